package pipeline

import (
	"io"
	"log/slog"
	"testing"

	"github.com/webstalk/clustermaster/internal/types"
)

func testPipeline() *Pipeline {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestChainRunsInOrder(t *testing.T) {
	p := testPipeline()
	p.Use(TrimMiddleware{})
	p.Use(RequireMiddleware{Fields: []string{"title"}})

	item := types.NewItem("https://example.org/a")
	item.Set("title", "  Widget  ")

	out, err := p.Process(item)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out == nil {
		t.Fatal("trimmed non-empty title must survive the require stage")
	}
	if got := out.GetString("title"); got != "Widget" {
		t.Fatalf("expected trimmed title, got %q", got)
	}
}

func TestRequireDropsEmptyAfterTrim(t *testing.T) {
	p := testPipeline()
	p.Use(TrimMiddleware{})
	p.Use(RequireMiddleware{Fields: []string{"title"}})

	item := types.NewItem("https://example.org/a")
	item.Set("title", "   ")

	out, err := p.Process(item)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != nil {
		t.Fatal("whitespace-only required field should drop the item")
	}
}

func TestDedupDropsIdenticalContentRegardlessOfSource(t *testing.T) {
	p := testPipeline()
	p.Use(NewDedupMiddleware())

	first := types.NewItem("https://example.org/a")
	first.Set("sku", "W-1")
	second := types.NewItem("https://example.org/mirror/a")
	second.Set("sku", "W-1")
	third := types.NewItem("https://example.org/b")
	third.Set("sku", "W-2")

	if out, _ := p.Process(first); out == nil {
		t.Fatal("first occurrence must pass")
	}
	if out, _ := p.Process(second); out != nil {
		t.Fatal("identical field content must be dropped")
	}
	if out, _ := p.Process(third); out == nil {
		t.Fatal("distinct content must pass")
	}
}

func TestDefaultsFillOnlyMissingFields(t *testing.T) {
	p := testPipeline()
	p.Use(DefaultsMiddleware{Values: map[string]any{"currency": "USD", "sku": "unset"}})

	item := types.NewItem("https://example.org/a")
	item.Set("sku", "W-9")

	out, err := p.Process(item)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := out.GetString("currency"); got != "USD" {
		t.Fatalf("expected default currency, got %q", got)
	}
	if got := out.GetString("sku"); got != "W-9" {
		t.Fatalf("existing field must not be overwritten, got %q", got)
	}
}
