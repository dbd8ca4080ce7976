package pipeline

import (
	"context"
	"encoding/xml"
	"strings"
)

// SourceDecoder fetches a Source's feed and projects it into a finite
// sequence of DecodedEntry values. Implementations must not retry; a
// failure is reported to the caller as a DecoderFailure and the
// PollingScheduler decides what happens next.
type SourceDecoder interface {
	Decode(ctx context.Context, sourceURL string) ([]DecodedEntry, error)
}

// entryXML is the internal wire format an Item's Payload is encoded in.
// Every child is optional; extraction helpers tolerate absence of any of
// them rather than erroring, since feeds in the wild routinely omit fields.
type entryXML struct {
	XMLName   xml.Name        `xml:"entry"`
	ID        string          `xml:"id,omitempty"`
	Title     string          `xml:"title,omitempty"`
	Link      string          `xml:"link,omitempty"`
	Summary   string          `xml:"summary,omitempty"`
	Published string          `xml:"published,omitempty"`
	Updated   string          `xml:"updated,omitempty"`
	Author    string          `xml:"author,omitempty"`
	Links     *entryLinksXML  `xml:"links"`
	Content   *entryValueXML  `xml:"content"`
}

type entryLinksXML struct {
	Links []string `xml:"link"`
}

type entryValueXML struct {
	Value string `xml:"value"`
}

// encodeEntry serializes a decoded feed entry into the opaque wire payload
// stored verbatim on an Item.
func encodeEntry(e entryXML) (string, error) {
	out, err := xml.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeEntry(payload string) (entryXML, error) {
	var e entryXML
	if err := xml.Unmarshal([]byte(payload), &e); err != nil {
		return entryXML{}, err
	}
	return e, nil
}

// ExtractLink returns the entry's link, falling back to the first element
// of its links container if the top-level link is absent.
func ExtractLink(payload string) string {
	e, err := decodeEntry(payload)
	if err != nil {
		return ""
	}
	if e.Link != "" {
		return e.Link
	}
	if e.Links != nil && len(e.Links.Links) > 0 {
		return e.Links.Links[0]
	}
	return ""
}

// ExtractTitle returns the entry's title, or "" if absent.
func ExtractTitle(payload string) string {
	e, err := decodeEntry(payload)
	if err != nil {
		return ""
	}
	return e.Title
}

// ExtractSummary returns the entry's summary, falling back to the content
// value if the summary is absent.
func ExtractSummary(payload string) string {
	e, err := decodeEntry(payload)
	if err != nil {
		return ""
	}
	if e.Summary != "" {
		return e.Summary
	}
	if e.Content != nil {
		return e.Content.Value
	}
	return ""
}

// ExtractPublished returns the entry's published timestamp, or "" if absent.
func ExtractPublished(payload string) string {
	e, err := decodeEntry(payload)
	if err != nil {
		return ""
	}
	return e.Published
}

// truncateSummary applies the publisher message format's 200-char limit,
// appending "..." when truncation actually occurred.
func truncateSummary(summary string) string {
	const maxLen = 200
	runes := []rune(strings.TrimSpace(summary))
	if len(runes) <= maxLen {
		return string(runes)
	}
	return string(runes[:maxLen]) + "..."
}
