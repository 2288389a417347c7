package notion

import (
	"strings"
	"time"

	"github.com/jomei/notionapi"
)

// PageFields flattens a page's properties into plain values keyed by the
// lower-cased property name. Unsupported property types are skipped.
func PageFields(p *notionapi.Page) map[string]any {
	out := map[string]any{
		"url": p.URL,
	}
	for name, prop := range p.Properties {
		key := strings.ToLower(strings.ReplaceAll(name, " ", "_"))
		switch v := prop.(type) {
		case *notionapi.TitleProperty:
			out[key] = PlainText(v.Title)
			out["title"] = PlainText(v.Title)
		case *notionapi.RichTextProperty:
			out[key] = PlainText(v.RichText)
		case *notionapi.StatusProperty:
			out[key] = v.Status.Name
		case *notionapi.SelectProperty:
			out[key] = v.Select.Name
		case *notionapi.MultiSelectProperty:
			names := make([]string, 0, len(v.MultiSelect))
			for _, o := range v.MultiSelect {
				names = append(names, o.Name)
			}
			out[key] = names
		case *notionapi.NumberProperty:
			out[key] = v.Number
		case *notionapi.URLProperty:
			out[key] = v.URL
		case *notionapi.CheckboxProperty:
			out[key] = v.Checkbox
		case *notionapi.DateProperty:
			if v.Date != nil && v.Date.Start != nil {
				out[key] = time.Time(*v.Date.Start).UTC().Format(time.RFC3339)
			}
		}
	}
	return out
}

// PlainText joins the plain text of rich text segments.
func PlainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, r := range rt {
		b.WriteString(r.PlainText)
	}
	return b.String()
}
