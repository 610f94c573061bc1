// Package parser extracts structured records and outbound links from
// fetched pages, driven by configured extraction rules.
package parser

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/webstalk/clustermaster/internal/config"
	"github.com/webstalk/clustermaster/internal/types"
)

// Parser turns a response into extracted items plus discovered links.
type Parser interface {
	Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error)
}

// RuleParser applies css, xpath, and regex rules to a page, producing one
// item per page holding every rule's matches, and always collects links
// for crawl discovery regardless of rules.
type RuleParser struct {
	logger  *slog.Logger
	regexes *regexCache
}

// NewRuleParser builds the standard rule-driven parser.
func NewRuleParser(logger *slog.Logger) *RuleParser {
	return &RuleParser{
		logger:  logger.With("component", "parser"),
		regexes: newRegexCache(),
	}
}

// Parse implements Parser.
func (p *RuleParser) Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error) {
	doc, err := resp.Document()
	if err != nil {
		return nil, nil, err
	}

	links := collectLinks(doc, resp.FinalURL)

	if len(rules) == 0 {
		return nil, links, nil
	}

	item := types.NewItem(resp.Request.URLString())
	for _, rule := range rules {
		var values []string
		switch rule.Type {
		case "css", "":
			values = cssValues(doc, rule)
		case "xpath":
			values, err = xpathValues(resp.Body, rule)
			if err != nil {
				p.logger.Warn("xpath rule skipped", "rule", rule.Name, "error", err)
				continue
			}
		case "regex":
			values, err = p.regexes.values(string(resp.Body), rule)
			if err != nil {
				p.logger.Warn("regex rule skipped", "rule", rule.Name, "error", err)
				continue
			}
		default:
			p.logger.Warn("unknown rule type", "rule", rule.Name, "type", rule.Type)
			continue
		}

		switch len(values) {
		case 0:
		case 1:
			item.Set(rule.Name, values[0])
		default:
			item.Set(rule.Name, values)
		}
	}

	if item.Empty() {
		return nil, links, nil
	}
	return []*types.Item{item}, links, nil
}

// collectLinks resolves every followable <a href> on the page against its
// base URL, deduplicated, http(s) only.
func collectLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		switch {
		case strings.HasPrefix(href, "javascript:"),
			strings.HasPrefix(href, "mailto:"),
			strings.HasPrefix(href, "tel:"),
			strings.HasPrefix(href, "data:"):
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""

		abs := resolved.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}
