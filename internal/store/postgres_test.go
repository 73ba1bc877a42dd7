package store

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateErrorShortMessagesPassThrough(t *testing.T) {
	assert.Equal(t, "ffmpeg exited 1", TruncateError("ffmpeg exited 1"))
	assert.Equal(t, "", TruncateError(""))
}

func TestTruncateErrorBoundsLongMessages(t *testing.T) {
	long := strings.Repeat("x", MaxErrorLength+500)
	got := TruncateError(long)
	assert.Len(t, got, MaxErrorLength)
}

func TestTruncateErrorNeverSplitsARune(t *testing.T) {
	// Three-byte Hangul runes straddle any byte offset not divisible by
	// three; the cut must back up instead of emitting a partial rune.
	long := strings.Repeat("변환", MaxErrorLength)
	got := TruncateError(long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), MaxErrorLength)
	assert.True(t, strings.HasPrefix(long, got))
}
