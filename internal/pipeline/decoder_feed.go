package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// FeedDecoder is the concrete SourceDecoder: it fetches a Source's URL over
// HTTP and parses the response with a general-purpose RSS/Atom parser,
// projecting each resulting item into the entry wire format.
type FeedDecoder struct {
	client  *http.Client
	timeout time.Duration
}

// NewFeedDecoder builds a FeedDecoder bounded by the given per-call timeout.
func NewFeedDecoder(timeout time.Duration) *FeedDecoder {
	return &FeedDecoder{
		client:  &http.Client{},
		timeout: timeout,
	}
}

func (d *FeedDecoder) Decode(ctx context.Context, sourceURL string) ([]DecodedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &DecoderFailure{URL: sourceURL, Err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &DecoderFailure{URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DecoderFailure{URL: sourceURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	parser := gofeed.NewParser()
	feed, err := parser.Parse(resp.Body)
	if err != nil {
		return nil, &DecoderFailure{URL: sourceURL, Err: err}
	}

	entries := make([]DecodedEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			// Decoder returns an item without a guid: skip it, not the feed.
			continue
		}

		wire := entryXML{
			ID:        item.GUID,
			Title:     item.Title,
			Link:      item.Link,
			Summary:   item.Description,
			Published: formatFeedTime(item.PublishedParsed),
			Updated:   formatFeedTime(item.UpdatedParsed),
			Author:    feedAuthorName(item),
		}
		if item.Content != "" {
			wire.Content = &entryValueXML{Value: item.Content}
		}
		if len(item.Links) > 1 {
			wire.Links = &entryLinksXML{Links: item.Links}
		}

		payload, err := encodeEntry(wire)
		if err != nil {
			return nil, &DecoderFailure{URL: sourceURL, Err: err}
		}
		entries = append(entries, DecodedEntry{GUID: guid, Title: item.Title, Payload: payload})
	}
	return entries, nil
}

func formatFeedTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func feedAuthorName(item *gofeed.Item) string {
	if item.Author != nil {
		return item.Author.Name
	}
	if len(item.Authors) > 0 {
		return item.Authors[0].Name
	}
	return ""
}
