package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTagFitsBrokerLimit(t *testing.T) {
	tradeID := "0d2f8a1c-9b4e-4f6d-a3c1-7e5b2d9f0a84"

	tag := BuildTag(tradeID, "E")
	assert.LessOrEqual(t, len(tag), maxTagLen)
	assert.Equal(t, byte('T'), tag[0])
	assert.Equal(t, "E", tag[len(tag)-1:])

	// Same trade, different role: same fragment, different suffix.
	slTag := BuildTag(tradeID, "S")
	assert.Equal(t, tag[:len(tag)-1], slTag[:len(slTag)-1])
	assert.NotEqual(t, tag, slTag)
}

func TestSplitTagRoundTrip(t *testing.T) {
	tradeID := "0d2f8a1c-9b4e-4f6d-a3c1-7e5b2d9f0a84"
	tag := BuildTag(tradeID, "P")

	fragment, role, ok := SplitTag(tag)
	require.True(t, ok)
	assert.Equal(t, "P", role)
	assert.Equal(t, "0d2f8a1c9b4e4f6da3", fragment)
}

func TestSplitTagRejectsForeignTags(t *testing.T) {
	for _, tag := range []string{"", "T", "TE", "broker-squareoff", "X0d2f8a1cE",
		"Tthis-tag-is-way-too-long-for-the-broker-E"} {
		_, _, ok := SplitTag(tag)
		assert.False(t, ok, "tag %q", tag)
	}
}

func TestTagMatchesTrade(t *testing.T) {
	tradeID := "0d2f8a1c-9b4e-4f6d-a3c1-7e5b2d9f0a84"
	otherID := "ffffffff-0000-1111-2222-333333333333"

	assert.True(t, TagMatchesTrade(BuildTag(tradeID, "E"), tradeID))
	assert.True(t, TagMatchesTrade(BuildTag(tradeID, "S"), tradeID))
	assert.False(t, TagMatchesTrade(BuildTag(otherID, "E"), tradeID))
	assert.False(t, TagMatchesTrade("broker-squareoff", tradeID))
}
