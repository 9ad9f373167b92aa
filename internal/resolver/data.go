package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/qaknow/internal/generation"
	"github.com/kalambet/qaknow/internal/keys"
	"github.com/kalambet/qaknow/internal/storage"
)

// DataRequirement is one abstract data need of a test case.
type DataRequirement struct {
	Alias    string `json:"alias,omitempty"`
	Type     string `json:"type"`
	Scenario string `json:"scenario"`
	Role     string `json:"role,omitempty"`
}

// DataContext is narrative used only when a value must be generated.
type DataContext struct {
	TicketTitle        string `json:"ticket_title,omitempty"`
	TicketDescription  string `json:"ticket_description,omitempty"`
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	TestCaseTitle      string `json:"test_case_title,omitempty"`
	TestCaseScenario   string `json:"test_case_scenario,omitempty"`
}

// Data resolves test data requirements.
type Data struct {
	store  DataStore
	gen    Generator
	logger *slog.Logger
}

func NewData(store DataStore, gen Generator) *Data {
	return &Data{store: store, gen: gen, logger: slog.Default()}
}

// SetLogger replaces the resolver's logger.
func (d *Data) SetLogger(l *slog.Logger) {
	d.logger = l
}

// Resolve resolves requirements strictly in order, persisting each before
// the next starts, and returns alias → value. Any failure aborts the batch
// and no mapping is returned; values persisted before the failure remain.
func (d *Data) Resolve(ctx context.Context, projectID string, reqs []DataRequirement, dctx DataContext) (map[string]any, error) {
	out := make(map[string]any, len(reqs))
	for _, r := range reqs {
		key := keys.BuildDataKey(r.Scenario, r.Role, r.Type)
		alias := r.Alias
		if alias == "" {
			alias = key
		}
		v, err := d.resolveOne(ctx, projectID, key, r, dctx)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", key, err)
		}
		out[alias] = v
	}
	return out, nil
}

func (d *Data) resolveOne(ctx context.Context, projectID, key string, r DataRequirement, dctx DataContext) (any, error) {
	k, err := d.store.GetDataKnowledge(ctx, projectID, key)
	switch {
	case err == nil:
		d.logger.Debug("data resolved from knowledge", "project_id", projectID, "data_key", key)
		return decodeValue(k.ValueJSON)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("looking up data: %w", err)
	}

	raw, err := d.gen.Generate(ctx, generation.Request{
		Source:       generation.SourceData,
		SystemPrompt: dataSystemPrompt,
		UserPrompt:   dataUserPrompt(r, dctx),
		JSONOutput:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("generating data: %w", err)
	}
	value, err := generation.ParseDataValue(raw)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}

	stored, err := d.store.InsertDataKnowledge(ctx, storage.DataKnowledge{
		ProjectID:       projectID,
		DataKey:         key,
		RequirementType: r.Type,
		Scenario:        r.Scenario,
		Role:            r.Role,
		ValueJSON:       string(encoded),
	})
	if err != nil {
		return nil, fmt.Errorf("persisting data: %w", err)
	}
	d.logger.Info("data generated", "project_id", projectID, "data_key", key)
	return decodeValue(stored.ValueJSON)
}

func decodeValue(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decoding stored value: %w", err)
	}
	return v, nil
}
