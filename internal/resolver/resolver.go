// Package resolver turns abstract needs into concrete artifacts: UI
// locators for step descriptions and test data for data requirements.
// Both go lookup, then generate, then persist, against the knowledge store.
package resolver

import (
	"context"

	"github.com/kalambet/qaknow/internal/generation"
	"github.com/kalambet/qaknow/internal/storage"
)

// Resolution origins.
const (
	FromKnowledge = "knowledge"
	FromAI        = "ai"
)

// Generator produces raw model output for a request.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (string, error)
}

// SelectorStore is the selector half of the knowledge store.
type SelectorStore interface {
	GetSelectorKnowledge(ctx context.Context, projectID, applicationID, key string) (storage.SelectorKnowledge, error)
	TouchSelectorKnowledge(ctx context.Context, projectID, applicationID, key string) error
	UpsertSelectorKnowledge(ctx context.Context, k storage.SelectorKnowledge) (storage.SelectorKnowledge, error)
}

// DataStore is the data half of the knowledge store.
type DataStore interface {
	GetDataKnowledge(ctx context.Context, projectID, dataKey string) (storage.DataKnowledge, error)
	InsertDataKnowledge(ctx context.Context, d storage.DataKnowledge) (storage.DataKnowledge, error)
}

// PageSnapshotter supplies a textual summary of the current UI state.
type PageSnapshotter interface {
	Snapshot(ctx context.Context, projectID, applicationID string) (string, error)
}
