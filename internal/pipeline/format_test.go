package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatMessageIncludesAllSections(t *testing.T) {
	payload, err := encodeEntry(entryXML{
		Title:   "Breaking News",
		Link:    "https://example.com/a",
		Summary: "A short summary.",
	})
	assert.NoError(t, err)

	msg := FormatMessage(8.25, "Example Source", payload)

	assert.Contains(t, msg, "**8.2**")
	assert.Contains(t, msg, "Example Source")
	assert.Contains(t, msg, "**Breaking News**")
	assert.Contains(t, msg, "A short summary.")
	assert.Contains(t, msg, "https://example.com/a")
}

func TestFormatMessageOmitsEmptySummaryLine(t *testing.T) {
	payload, err := encodeEntry(entryXML{Title: "No Summary", Link: "https://example.com/b"})
	assert.NoError(t, err)

	msg := FormatMessage(1.0, "Source", payload)

	assert.NotContains(t, msg, "\n\n\n")
	assert.Contains(t, msg, "**No Summary**\n\nhttps://example.com/b")
}

func TestTruncateSummaryAddsEllipsisPastLimit(t *testing.T) {
	long := strings.Repeat("x", 250)
	truncated := truncateSummary(long)

	assert.Len(t, []rune(truncated), 203)
	assert.True(t, strings.HasSuffix(truncated, "..."))
}

func TestTruncateSummaryLeavesShortTextAlone(t *testing.T) {
	assert.Equal(t, "short", truncateSummary("  short  "))
}
