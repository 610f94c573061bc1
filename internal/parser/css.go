package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/webstalk/clustermaster/internal/config"
)

// cssValues evaluates one CSS rule against the document. The rule's
// Attribute selects what to read from each match: element text (default),
// inner or outer HTML, or a named attribute.
func cssValues(doc *goquery.Document, rule config.ParseRule) []string {
	var values []string
	doc.Find(rule.Selector).Each(func(_ int, sel *goquery.Selection) {
		var v string
		switch rule.Attribute {
		case "", "text":
			v = strings.TrimSpace(sel.Text())
		case "html":
			v, _ = sel.Html()
		case "outerHTML":
			v, _ = goquery.OuterHtml(sel)
		default:
			v = sel.AttrOr(rule.Attribute, "")
		}
		if v != "" {
			values = append(values, v)
		}
	})
	return values
}
