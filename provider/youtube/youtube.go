// Package youtube resolves YouTube watch URLs to direct stream downloads via the
// innertube API.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kkdai/youtube/v2"

	video_archiver "github.com/hexi/video-archiver"
)

type source struct {
	videoID string
}

func (s *source) ID() string {
	return "youtube:" + s.videoID
}

func (s *source) URL() string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", s.videoID)
}

func (s *source) String() string {
	return s.URL()
}

// Resolve fetches video metadata and picks the best muxed format, producing a plan
// around the format's direct stream URL.
func (s *source) Resolve(ctx context.Context) (*video_archiver.DownloadPlan, error) {
	client := youtube.Client{}
	video, err := client.GetVideoContext(ctx, s.URL())
	if err != nil {
		if errIsPermanent(err) {
			return nil, video_archiver.WithKind(video_archiver.KindPermanentSource,
				fmt.Errorf("%w: %v", video_archiver.ErrUnresolvableSource, err))
		}
		return nil, video_archiver.Transient(fmt.Errorf("failed to get video info: %w", err))
	}
	// TODO: select "highest" quality
	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return nil, video_archiver.WithKind(video_archiver.KindPermanentSource,
			fmt.Errorf("%w: no usable formats for %s", video_archiver.ErrUnresolvableSource, s.videoID))
	}
	format := &formats[0]

	streamURL, err := client.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return nil, video_archiver.Transient(fmt.Errorf("failed to get stream URL: %w", err))
	}

	size := format.ContentLength
	if size <= 0 {
		size = video_archiver.SizeUnknown
	}
	plan := &video_archiver.DownloadPlan{
		SourceID:       s.ID(),
		URL:            streamURL,
		Filename:       filename(video, format),
		Size:           size,
		SupportsRanges: true,
		Ranges:         video_archiver.SplitRanges(size, 8<<20),
	}
	return plan, nil
}

func filename(video *youtube.Video, format *youtube.Format) string {
	mimeType := strings.SplitN(format.MimeType, ";", 2)[0]
	ext := strings.SplitN(mimeType, "/", 2)[1]
	return strings.Join([]string{video.Title, video.ID, ext}, ".")
}

func errIsPermanent(err error) bool {
	var playbackErr *youtube.ErrPlayabiltyStatus
	return errors.As(err, &playbackErr)
}

func Match(s string) (video_archiver.Source, error) {
	if parsedURL, err := url.Parse(s); err != nil {
		return nil, err
	} else if videoID, err := extractVideoID(parsedURL); err != nil {
		return nil, err
	} else {
		return &source{videoID: *videoID}, nil
	}
}

func New() video_archiver.Provider {
	return video_archiver.Provider{Name: "youtube", Match: Match}
}

// Extract video ID from YouTube URL.
//
// Allowed URL formats:
//
//	http(s?)://(www|m).youtube.com/(watch|details)?v={VIDEO_ID}
//	http(s?)://(www|m).youtube.com/v/{VIDEO_ID}
//	http(s?)://youtu.be/{VIDEO_ID}
func extractVideoID(url *url.URL) (*string, error) {
	var id string
	switch url.Hostname() {
	case "www.youtube.com":
		fallthrough
	case "m.youtube.com":
		if strings.HasPrefix(url.Path, "/v/") {
			id = strings.SplitN(url.Path, "/", 3)[2]
		} else if url.Path == "/watch" || url.Path == "/details" {
			if url.Query().Has("v") {
				id = url.Query().Get("v")
			} else {
				return nil, fmt.Errorf("missing ?v= query parameter")
			}
		}
	case "youtu.be":
		id = strings.Trim(url.Path, "/")
	default:
		return nil, fmt.Errorf("unrecognised hostname")
	}
	if id == "" {
		return nil, fmt.Errorf("could not extract video ID")
	}
	return &id, nil
}

func init() {
	video_archiver.DefaultProviderRegistry.MustAdd(New())
}
