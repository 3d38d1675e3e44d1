package video_archiver

import (
	"strings"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestFingerprintBytes(t *testing.T) {
	assert := assert_.New(t)

	// Well-known SHA-256 of the empty input
	assert.Equal(Fingerprint("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"),
		FingerprintBytes(nil))
	assert.Equal(FingerprintBytes([]byte("hello")), FingerprintBytes([]byte("hello")))
	assert.NotEqual(FingerprintBytes([]byte("hello")), FingerprintBytes([]byte("world")))
}

func TestFingerprintReader(t *testing.T) {
	assert := assert_.New(t)

	fp, size, err := FingerprintReader(strings.NewReader("hello"))
	assert.Nil(err)
	assert.Equal(int64(5), size)
	assert.Equal(FingerprintBytes([]byte("hello")), fp)
}

func TestSourceFingerprint(t *testing.T) {
	assert := assert_.New(t)

	// Source fingerprints live in a separate namespace from content fingerprints
	assert.NotEqual(FingerprintBytes([]byte("youtube:abc")), SourceFingerprint("youtube:abc"))
	assert.Equal(SourceFingerprint("youtube:abc"), SourceFingerprint("youtube:abc"))
	assert.NotEqual(SourceFingerprint("youtube:abc"), SourceFingerprint("youtube:abd"))
}
