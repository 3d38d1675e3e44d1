package util

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ErrNoFilename = errors.New("cannot extract valid filename")
)

// FilenameFromURL extracts the last path element of a URL for use as a default
// output key. Fails rather than returning something empty or directory-like.
func FilenameFromURL(u *url.URL) (string, error) {
	if u == nil {
		return "", ErrNoFilename
	}
	path := strings.Trim(u.Path, "/")
	filename := path[strings.LastIndex(path, "/")+1:]
	// Reject empty names and names that are just ".", "..", etc.
	if strings.Trim(filename, ".") == "" {
		return "", ErrNoFilename
	}
	return filename, nil
}
