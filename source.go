package video_archiver

import "context"

// A Source is a single remote video resource that a Provider knows how to resolve.
type Source interface {
	// ID returns the provider-scoped identity of the source, stable across URL
	// spellings of the same content (e.g. "youtube:dQw4w9WgXcQ").
	ID() string
	// URL returns the canonical URL for this source. It is assumed that the
	// Provider.Match that created the Source would also match this canonical URL.
	URL() string
	// Resolve fetches enough information about the source to produce a DownloadPlan.
	// Failures should be classified: KindPermanentSource (e.g. ErrUnresolvableSource)
	// when the source is gone or forbidden, KindTransient for rate limits and
	// network blips.
	Resolve(ctx context.Context) (*DownloadPlan, error)
}
