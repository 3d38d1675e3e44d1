// Package raw provides direct HTTP(S) downloads of video files, for any URL that
// looks like a media file. Registered at the lowest priority so more specific
// providers get first refusal.
package raw

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/generic"
	"github.com/hexi/video-archiver/util"
)

// DefaultChunkSize is the range split size for servers that accept range requests.
const DefaultChunkSize int64 = 8 << 20

type Config struct {
	Protocols  generic.Set[string]
	Extensions generic.Set[string]
	ChunkSize  int64
	Client     *http.Client
}

func NewConfig() Config {
	return Config{
		Protocols: generic.NewSet(
			"http",
			"https",
		),
		Extensions: generic.NewSet(
			"flv",
			"m4v",
			"mkv",
			"mp4",
			"webm",
		),
		ChunkSize: DefaultChunkSize,
		Client:    http.DefaultClient,
	}
}

func (c *Config) Match(s string) (video_archiver.Source, error) {
	// Expect string to be a URL
	parsedURL, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	// Check that scheme/protocol is valid
	if !c.Protocols.Contains(parsedURL.Scheme) {
		return nil, fmt.Errorf("unknown URL scheme %v", parsedURL.Scheme)
	}
	// Attempt to extract filename and extension
	filename, err := util.FilenameFromURL(parsedURL)
	if err != nil {
		return nil, err
	}
	extension := strings.TrimPrefix(path.Ext(filename), ".")
	if extension == "" {
		return nil, fmt.Errorf("no file extension found")
	}
	if !c.Extensions.Contains(extension) {
		return nil, fmt.Errorf("unknown file extension %v", extension)
	}
	res := source{
		config:   c,
		url:      parsedURL.String(),
		filename: filename,
	}
	return &res, nil
}

func (c Config) Provider() video_archiver.Provider {
	return video_archiver.Provider{
		Name:  "raw",
		Match: c.Match,
	}
}

type source struct {
	config   *Config
	url      string
	filename string
}

func (s *source) ID() string {
	return "raw:" + s.url
}

func (s *source) URL() string {
	return s.url
}

func (s *source) String() string {
	return s.URL()
}

// Resolve probes the URL with a HEAD request to learn the content length and whether
// the server honours range requests.
func (s *source) Resolve(ctx context.Context) (*video_archiver.DownloadPlan, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.config.Client.Do(req)
	if err != nil {
		return nil, video_archiver.Transient(fmt.Errorf("probe failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		return nil, video_archiver.WithKind(video_archiver.KindPermanentSource,
			fmt.Errorf("%w: HTTP %d for %s", video_archiver.ErrUnresolvableSource, resp.StatusCode, s.url))
	default:
		return nil, video_archiver.Transient(fmt.Errorf("probe failed: HTTP %d for %s", resp.StatusCode, s.url))
	}

	size := resp.ContentLength
	if size < 0 {
		size = video_archiver.SizeUnknown
	}
	supportsRanges := resp.Header.Get("Accept-Ranges") == "bytes"

	plan := &video_archiver.DownloadPlan{
		SourceID:       s.ID(),
		URL:            s.url,
		Filename:       s.filename,
		Size:           size,
		SupportsRanges: supportsRanges,
	}
	if supportsRanges && size != video_archiver.SizeUnknown {
		plan.Ranges = video_archiver.SplitRanges(size, s.config.ChunkSize)
	} else {
		plan.Ranges = video_archiver.SplitRanges(size, 0)
	}
	return plan, nil
}

func init() {
	video_archiver.DefaultProviderRegistry.MustAdd(
		NewConfig().Provider().WithPriority(video_archiver.PriorityLowest),
	)
}
