package generic

type Option[T any] struct {
	Value    T
	hasValue bool
}

// Some constructs an Option[T] that has a value.
func Some[T any](value T) Option[T] {
	return Option[T]{Value: value, hasValue: true}
}

// None constructs an Option[T] that does not have a value.
func None[T any]() Option[T] {
	return Option[T]{}
}

// IsSome returns true if this Option[T] has a value.
func (o *Option[T]) IsSome() bool {
	return o.hasValue
}

// IsNone returns true if this Option[T] does not have a value.
func (o *Option[T]) IsNone() bool {
	return !o.hasValue
}

// Expect returns the contained value, or panics with the supplied message if there is no value.
func (o Option[T]) Expect(msg string) T {
	if !o.hasValue {
		panic(msg)
	}
	return o.Value
}

// Unwrap returns the contained value, or panics if there is no value.
func (o Option[T]) Unwrap() T {
	return o.Expect("tried to Unwrap() a None")
}

// UnwrapOr returns the contained value, or other if there is no value.
func (o Option[T]) UnwrapOr(other T) T {
	if o.hasValue {
		return o.Value
	}
	return other
}

// OkOr transforms the Option[T] into a Result[T] with the contained value, or the
// specified error if there is no value.
func (o Option[T]) OkOr(err error) Result[T] {
	if o.hasValue {
		return Ok(o.Value)
	}
	return Err[T](err)
}
