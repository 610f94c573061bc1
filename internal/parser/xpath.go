package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/webstalk/clustermaster/internal/config"
)

// xpathValues evaluates one XPath rule against the raw page body. The
// Attribute field follows the same conventions as CSS rules.
func xpathValues(body []byte, rule config.ParseRule) ([]string, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	nodes, err := htmlquery.QueryAll(root, rule.Selector)
	if err != nil {
		return nil, fmt.Errorf("xpath %q: %w", rule.Selector, err)
	}

	var values []string
	for _, node := range nodes {
		var v string
		switch rule.Attribute {
		case "", "text":
			v = strings.TrimSpace(htmlquery.InnerText(node))
		case "html":
			v = htmlquery.OutputHTML(node, false)
		case "outerHTML":
			v = htmlquery.OutputHTML(node, true)
		default:
			v = htmlquery.SelectAttr(node, rule.Attribute)
		}
		if v != "" {
			values = append(values, v)
		}
	}
	return values, nil
}
