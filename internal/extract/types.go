package extract

import (
	"context"
	"fmt"

	"github.com/autovoice/autovoice-core/internal/config"
)

// Request names the page to read and optionally the selectors that scope
// which parts of it count as content.
type Request struct {
	Website   string
	Selectors []string
}

// Result is the readable text plus a display title for it.
type Result struct {
	Text  string
	Title string
}

// Extractor turns a page into readable text.
type Extractor interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// New builds the extractor selected by cfg.
func New(cfg config.ExtractConfig) (Extractor, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecExtractor(cfg.Command)
	case "mock", "":
		return NewMockExtractor(), nil
	default:
		return nil, fmt.Errorf("unknown extract mode %q", cfg.Mode)
	}
}
