package generic

type Set[T any] interface {
	Add(item T) bool
	Clear()
	Contains(items ...T) bool
	Count() int
	Remove(item T) bool
	ToSlice() []T
}

func NewSet[T comparable](items ...T) Set[T] {
	res := make(set[T])
	for _, item := range items {
		res.Add(item)
	}
	return &res
}

type set[T comparable] map[T]Void

func (s *set[T]) Add(item T) bool {
	if _, found := (*s)[item]; found {
		return false
	}
	(*s)[item] = NewVoid()
	return true
}

func (s *set[T]) Clear() {
	*s = make(set[T])
}

func (s *set[T]) Contains(items ...T) bool {
	for _, item := range items {
		if _, found := (*s)[item]; !found {
			return false
		}
	}
	return true
}

func (s *set[T]) Count() int {
	return len(*s)
}

func (s *set[T]) Remove(item T) bool {
	if _, found := (*s)[item]; !found {
		return false
	}
	delete(*s, item)
	return true
}

func (s *set[T]) ToSlice() []T {
	slice := make([]T, 0, s.Count())
	for item := range *s {
		slice = append(slice, item)
	}
	return slice
}

// NewPolymorphicSet creates a Set for types that aren't comparable at compile time,
// e.g. interface values; items must still be comparable at runtime.
func NewPolymorphicSet[T any](items ...T) Set[T] {
	res := make(polymorphicSet[T])
	for _, item := range items {
		res.Add(item)
	}
	return &res
}

type polymorphicSet[T any] map[interface{}]Void

func (s *polymorphicSet[T]) Add(item T) bool {
	if _, found := (*s)[item]; found {
		return false
	}
	(*s)[item] = NewVoid()
	return true
}

func (s *polymorphicSet[T]) Clear() {
	*s = make(polymorphicSet[T])
}

func (s *polymorphicSet[T]) Contains(items ...T) bool {
	for _, item := range items {
		if _, found := (*s)[item]; !found {
			return false
		}
	}
	return true
}

func (s *polymorphicSet[T]) Count() int {
	return len(*s)
}

func (s *polymorphicSet[T]) Remove(item T) bool {
	if _, found := (*s)[item]; !found {
		return false
	}
	delete(*s, item)
	return true
}

func (s *polymorphicSet[T]) ToSlice() []T {
	slice := make([]T, 0, s.Count())
	for item := range *s {
		slice = append(slice, item.(T))
	}
	return slice
}
