package extract

import (
	"context"
	"fmt"
	"time"
)

type mockExtractor struct{}

// NewMockExtractor returns canned text after a short delay. It stands in for
// a real page scrape in development setups.
func NewMockExtractor() Extractor {
	return &mockExtractor{}
}

func (m *mockExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	title := req.Website
	if title == "" {
		title = "untitled page"
	}
	return Result{
		Text:  fmt.Sprintf("Placeholder narration for %s.", title),
		Title: title,
	}, nil
}
