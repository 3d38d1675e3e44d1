package util

import (
	"net/url"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestFilenameFromURL(t *testing.T) {
	assert := assert_.New(t)

	for input, expected := range map[string]string{
		"https://example.com/video.mp4":           "video.mp4",
		"https://example.com/path/to/video.mp4":   "video.mp4",
		"https://example.com/video.mp4?query=yes": "video.mp4",
		"https://example.com/video.mp4#fragment":  "video.mp4",
		"https://example.com/trailing/video.mkv/": "video.mkv",
	} {
		u, err := url.Parse(input)
		assert.NoError(err)
		filename, err := FilenameFromURL(u)
		assert.NoError(err)
		assert.Equal(expected, filename)
	}

	for _, input := range []string{
		"https://example.com",
		"https://example.com/",
		"https://example.com/..",
		"https://example.com/path/.",
	} {
		u, err := url.Parse(input)
		assert.NoError(err)
		_, err = FilenameFromURL(u)
		assert.Equal(ErrNoFilename, err)
	}

	_, err := FilenameFromURL(nil)
	assert.Equal(ErrNoFilename, err)
}
