package pipeline

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
)

// ExportItem is one deduplicated entry in a curated RSS export.
type ExportItem struct {
	Title       string
	Link        string
	Description string
	PubDate     string
	GUID        string
	SourceName  string
	SourceURL   string
	Rank        float64
}

// BuildExportFeed selects every Item scored at or above minRank, newest
// first, deduplicates by link and by title (the same story frequently
// reaches more than one source), and returns at most limit entries. This is
// the pipeline's pull-based deliverable alongside the Publisher's push path,
// grounded on the original implementation's export_rss.
func BuildExportFeed(ctx context.Context, store Store, minRank float64, limit int) ([]ExportItem, error) {
	candidates, err := withTx(ctx, store, func(tx Tx) ([]*RankedItem, error) {
		return tx.ListItemsAboveRank(ctx, minRank, limit*5)
	})
	if err != nil {
		return nil, err
	}

	seenLinks := make(map[string]bool)
	seenTitles := make(map[string]bool)
	items := make([]ExportItem, 0, limit)

	for _, c := range candidates {
		if len(items) >= limit {
			break
		}

		title := ExtractTitle(c.Item.Payload)
		link := ExtractLink(c.Item.Payload)
		titleKey := strings.ToLower(strings.TrimSpace(title))
		linkKey := strings.ToLower(strings.TrimSpace(link))

		if linkKey != "" && seenLinks[linkKey] {
			continue
		}
		if titleKey != "" && seenTitles[titleKey] {
			continue
		}
		if linkKey != "" {
			seenLinks[linkKey] = true
		}
		if titleKey != "" {
			seenTitles[titleKey] = true
		}

		var rank float64
		if c.Item.Rank != nil {
			rank = *c.Item.Rank
		}
		items = append(items, ExportItem{
			Title:       title,
			Link:        link,
			Description: stripHTML(ExtractSummary(c.Item.Payload)),
			PubDate:     ExtractPublished(c.Item.Payload),
			GUID:        c.Item.GUID,
			SourceName:  c.SourceName,
			SourceURL:   c.SourceURL,
			Rank:        rank,
		})
	}
	return items, nil
}

type rssFeedXML struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Generator     string    `xml:"generator"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string    `xml:"title,omitempty"`
	Link        string    `xml:"link,omitempty"`
	Description string    `xml:"description,omitempty"`
	PubDate     string    `xml:"pubDate,omitempty"`
	GUID        rssGUID   `xml:"guid"`
	Source      rssSource `xml:"source"`
	Score       string    `xml:"score,omitempty"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type rssSource struct {
	URL   string `xml:"url,attr"`
	Value string `xml:",chardata"`
}

// RenderRSS renders items as an RSS 2.0 document with the given channel
// metadata, matching the original implementation's export_rss layout
// (title/link/description/score per item, guid marked isPermaLink="false").
func RenderRSS(title, link, description string, items []ExportItem, now time.Time) ([]byte, error) {
	channel := rssChannel{
		Title:         title,
		Link:          link,
		Description:   description,
		LastBuildDate: now.UTC().Format("Mon, 02 Jan 2006 15:04:05 +0000"),
		Generator:     "newsfeed-pipeline curated export",
	}
	for _, it := range items {
		channel.Items = append(channel.Items, rssItem{
			Title:       it.Title,
			Link:        it.Link,
			Description: it.Description,
			PubDate:     it.PubDate,
			GUID:        rssGUID{IsPermaLink: "false", Value: it.GUID},
			Source:      rssSource{URL: it.SourceURL, Value: it.SourceName},
			Score:       fmt.Sprintf("%.1f", it.Rank),
		})
	}

	body, err := xml.MarshalIndent(rssFeedXML{Version: "2.0", Channel: channel}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

// stripHTML removes HTML tags and decodes entities from a summary, mirroring
// the original implementation's strip_html used when rendering RSS
// descriptions from a payload's XML-bearing summary text.
func stripHTML(text string) string {
	if text == "" {
		return ""
	}
	unescaped := html.UnescapeString(text)
	stripped := htmlTagPattern.ReplaceAllString(unescaped, "")
	return strings.Join(strings.Fields(stripped), " ")
}
