package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLinkFallsBackToLinksContainer(t *testing.T) {
	payload, err := encodeEntry(entryXML{
		Links: &entryLinksXML{Links: []string{"https://example.com/first", "https://example.com/second"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/first", ExtractLink(payload))
}

func TestExtractLinkPrefersTopLevelLink(t *testing.T) {
	payload, err := encodeEntry(entryXML{
		Link:  "https://example.com/top",
		Links: &entryLinksXML{Links: []string{"https://example.com/alt"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/top", ExtractLink(payload))
}

func TestExtractLinkEmptyWhenAbsent(t *testing.T) {
	payload, err := encodeEntry(entryXML{Title: "no link here"})
	require.NoError(t, err)

	assert.Equal(t, "", ExtractLink(payload))
}

func TestExtractSummaryFallsBackToContent(t *testing.T) {
	payload, err := encodeEntry(entryXML{
		Content: &entryValueXML{Value: "content body"},
	})
	require.NoError(t, err)

	assert.Equal(t, "content body", ExtractSummary(payload))
}

func TestExtractTitleOnMalformedPayloadReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", ExtractTitle("not xml at all"))
}
