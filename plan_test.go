package video_archiver

import (
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestByteRange(t *testing.T) {
	assert := assert_.New(t)

	r := ByteRange{Start: 0, End: 100}
	assert.Equal(int64(100), r.Len())
	assert.Equal("bytes=0-99", r.Header())

	r = ByteRange{Start: 100, End: 250}
	assert.Equal(int64(150), r.Len())
	assert.Equal("bytes=100-249", r.Header())

	open := ByteRange{Start: 50, End: SizeUnknown}
	assert.Equal(SizeUnknown, open.Len())
	assert.Equal("bytes=50-", open.Header())
}

func TestSplitRanges(t *testing.T) {
	assert := assert_.New(t)

	// Exact multiple
	assert.Equal([]ByteRange{{0, 10}, {10, 20}}, SplitRanges(20, 10))
	// Remainder goes in a short final range
	assert.Equal([]ByteRange{{0, 10}, {10, 20}, {20, 25}}, SplitRanges(25, 10))
	// Smaller than one chunk
	assert.Equal([]ByteRange{{0, 5}}, SplitRanges(5, 10))
	// Unknown size is a single open-ended range
	assert.Equal([]ByteRange{{0, SizeUnknown}}, SplitRanges(SizeUnknown, 10))
	// No chunking requested is a single full range
	assert.Equal([]ByteRange{{0, 25}}, SplitRanges(25, 0))
}

func TestSplitRangesCoverage(t *testing.T) {
	assert := assert_.New(t)

	// Ranges must tile the resource exactly: contiguous, non-overlapping, complete
	var size int64 = 12345
	ranges := SplitRanges(size, 1000)
	var pos int64
	for _, r := range ranges {
		assert.Equal(pos, r.Start)
		assert.Greater(r.End, r.Start)
		pos = r.End
	}
	assert.Equal(size, pos)
}

func TestDownloadPlanSourceFingerprint(t *testing.T) {
	assert := assert_.New(t)

	a := DownloadPlan{SourceID: "youtube:abc", URL: "https://one.example/x"}
	b := DownloadPlan{SourceID: "youtube:abc", URL: "https://two.example/y"}
	c := DownloadPlan{SourceID: "youtube:def"}
	// Fingerprint depends only on source identity, not on the fetch URL
	assert.Equal(a.SourceFingerprint(), b.SourceFingerprint())
	assert.NotEqual(a.SourceFingerprint(), c.SourceFingerprint())
}

func TestRangeChecksum(t *testing.T) {
	assert := assert_.New(t)

	p := DownloadPlan{RangeChecksums: []string{"aaa", "bbb"}}
	assert.Equal("aaa", p.RangeChecksum(0))
	assert.Equal("bbb", p.RangeChecksum(1))
	assert.Equal("", p.RangeChecksum(2))
}
