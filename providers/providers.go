// Package providers registers every available provider with
// video_archiver.DefaultProviderRegistry.
package providers

import (
	_ "github.com/hexi/video-archiver/provider/raw"
	_ "github.com/hexi/video-archiver/provider/youtube"
)
