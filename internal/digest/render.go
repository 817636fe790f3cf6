package digest

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"inbox-autopilot-go/internal/model"
)

// renderItem is one line of the rendered digest, enriched with whatever the
// live message fetch returned.
type renderItem struct {
	Subject string
	From    string
	Content string
}

// renderDigest builds the HTML body of a digest email: one section per rule
// name, items in arrival order within each section.
func renderDigest(groups map[string][]renderItem) string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var body strings.Builder
	body.WriteString("<html><body>")
	body.WriteString("<h2>Email Digest</h2>")

	total := 0
	for _, name := range names {
		total += len(groups[name])
	}
	body.WriteString(fmt.Sprintf("<p>%d message(s) were handled on your behalf.</p>", total))

	for _, name := range names {
		body.WriteString(fmt.Sprintf("<h3>%s</h3>", html.EscapeString(name)))
		body.WriteString("<ul>")
		for _, item := range groups[name] {
			body.WriteString("<li>")
			if item.Subject != "" {
				body.WriteString(fmt.Sprintf("<strong>%s</strong>", html.EscapeString(item.Subject)))
				if item.From != "" {
					body.WriteString(fmt.Sprintf(" <em>from %s</em>", html.EscapeString(item.From)))
				}
				body.WriteString("<br/>")
			}
			body.WriteString(html.EscapeString(item.Content))
			body.WriteString("</li>")
		}
		body.WriteString("</ul>")
	}

	body.WriteString("</body></html>")
	return body.String()
}

// groupItems buckets digest items by rule name, joining in fetched message
// details where the provider still has them.
func groupItems(digests []model.Digest, fetched map[string]model.EmailMessage) map[string][]renderItem {
	groups := make(map[string][]renderItem)
	for _, digest := range digests {
		for _, item := range digest.Items {
			entry := renderItem{Content: item.Content}
			if msg, ok := fetched[item.MessageID]; ok {
				entry.Subject = msg.Subject
				entry.From = msg.From
			}
			name := item.RuleName
			if name == "" {
				name = "Other"
			}
			groups[name] = append(groups[name], entry)
		}
	}
	return groups
}
