package pipeline

import "fmt"

// FormatMessage renders the publisher message for a scored item, per the
// fixed layout: a rank and source name line, a blank line, the title with
// the truncated summary (if any) on the line below it, a blank line, and
// the link.
func FormatMessage(rank float64, sourceName string, payload string) string {
	title := ExtractTitle(payload)
	link := ExtractLink(payload)
	summary := truncateSummary(ExtractSummary(payload))

	msg := fmt.Sprintf("**%.1f** · %s\n\n**%s**", rank, sourceName, title)
	if summary != "" {
		msg += "\n" + summary
	}
	msg += "\n\n" + link
	return msg
}
