// Package pipeline post-processes extracted items before storage:
// normalization, validation, and duplicate suppression, composed as an
// ordered middleware chain.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/webstalk/clustermaster/internal/types"
)

// Middleware transforms one item. Returning a nil item drops it.
type Middleware interface {
	Name() string
	Process(item *types.Item) (*types.Item, error)
}

// Pipeline runs items through its middleware chain in registration order.
type Pipeline struct {
	chain  []Middleware
	logger *slog.Logger
}

// New creates an empty Pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{logger: logger.With("component", "pipeline")}
}

// Use appends a middleware to the chain.
func (p *Pipeline) Use(mw Middleware) {
	p.chain = append(p.chain, mw)
}

// Process implements the engine's pipeline contract. A (nil, nil) return
// means the item was dropped by some stage, which is not an error.
func (p *Pipeline) Process(item *types.Item) (*types.Item, error) {
	for _, mw := range p.chain {
		next, err := mw.Process(item)
		if err != nil {
			return nil, err
		}
		if next == nil {
			p.logger.Debug("item dropped", "stage", mw.Name(), "source", item.Source)
			return nil, nil
		}
		item = next
	}
	return item, nil
}

// TrimMiddleware strips surrounding whitespace from every string field.
type TrimMiddleware struct{}

func (TrimMiddleware) Name() string { return "trim" }

func (TrimMiddleware) Process(item *types.Item) (*types.Item, error) {
	for k, v := range item.Fields {
		if s, ok := v.(string); ok {
			item.Fields[k] = strings.TrimSpace(s)
		}
	}
	return item, nil
}

// RequireMiddleware drops items missing any of the named fields, or whose
// value for one of them is an empty string.
type RequireMiddleware struct {
	Fields []string
}

func (RequireMiddleware) Name() string { return "require" }

func (m RequireMiddleware) Process(item *types.Item) (*types.Item, error) {
	for _, field := range m.Fields {
		v, ok := item.Get(field)
		if !ok {
			return nil, nil
		}
		if s, isStr := v.(string); isStr && s == "" {
			return nil, nil
		}
	}
	return item, nil
}

// DedupMiddleware drops items whose field content was already emitted,
// keyed by a content checksum so field ordering doesn't matter.
type DedupMiddleware struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDedupMiddleware() *DedupMiddleware {
	return &DedupMiddleware{seen: make(map[string]struct{})}
}

func (*DedupMiddleware) Name() string { return "dedup" }

func (m *DedupMiddleware) Process(item *types.Item) (*types.Item, error) {
	sum := checksum(item)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[sum]; dup {
		return nil, nil
	}
	m.seen[sum] = struct{}{}
	return item, nil
}

// checksum hashes the item's fields in key order.
func checksum(item *types.Item) string {
	keys := make([]string, 0, len(item.Fields))
	for k := range item.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		b, _ := json.Marshal(item.Fields[k])
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultsMiddleware fills absent fields with configured fallbacks.
type DefaultsMiddleware struct {
	Values map[string]any
}

func (DefaultsMiddleware) Name() string { return "defaults" }

func (m DefaultsMiddleware) Process(item *types.Item) (*types.Item, error) {
	for k, v := range m.Values {
		if _, ok := item.Get(k); !ok {
			item.Set(k, v)
		}
	}
	return item, nil
}
