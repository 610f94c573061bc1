package parser

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/webstalk/clustermaster/internal/config"
)

// regexCache compiles each pattern once; rules repeat on every page.
type regexCache struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

func newRegexCache() *regexCache {
	return &regexCache{compiled: make(map[string]*regexp.Regexp)}
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.compiled[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	c.compiled[pattern] = re
	return re, nil
}

// values evaluates one regex rule against the page body. With capture
// groups, the first group of each match is returned; without, the full
// match is.
func (c *regexCache) values(body string, rule config.ParseRule) ([]string, error) {
	re, err := c.get(rule.Pattern)
	if err != nil {
		return nil, err
	}

	if re.NumSubexp() == 0 {
		return re.FindAllString(body, -1), nil
	}

	var values []string
	for _, match := range re.FindAllStringSubmatch(body, -1) {
		if len(match) > 1 && match[1] != "" {
			values = append(values, match[1])
		}
	}
	return values, nil
}
