package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/qaknow/internal/generation"
	"github.com/kalambet/qaknow/internal/keys"
	"github.com/kalambet/qaknow/internal/snapshot"
	"github.com/kalambet/qaknow/internal/storage"
)

const maxPageContextRunes = 6000

// SelectorRequest asks for a locator for one step description.
type SelectorRequest struct {
	Description         string `json:"description"`
	PageContext         string `json:"page_context,omitempty"`
	ProjectID           string `json:"project_id"`
	ApplicationID       string `json:"application_id"`
	SemanticKey         string `json:"semantic_key,omitempty"`
	SkipKnowledgeLookup bool   `json:"skip_knowledge_lookup,omitempty"`
}

type SelectorResult struct {
	Selector     string `json:"selector"`
	ResolvedFrom string `json:"resolved_from"`
	SemanticKey  string `json:"semantic_key"`
}

// Selectors resolves UI locators.
type Selectors struct {
	store  SelectorStore
	gen    Generator
	snap   PageSnapshotter
	logger *slog.Logger
	group  singleflight.Group
}

// NewSelectors creates a selector resolver. snap may be nil.
func NewSelectors(store SelectorStore, gen Generator, snap PageSnapshotter) *Selectors {
	return &Selectors{store: store, gen: gen, snap: snap, logger: slog.Default()}
}

// SetLogger replaces the resolver's logger.
func (s *Selectors) SetLogger(l *slog.Logger) {
	s.logger = l
}

// KeyFor returns the semantic key a request resolves under.
func KeyFor(req SelectorRequest) string {
	if req.SemanticKey != "" {
		return req.SemanticKey
	}
	return keys.BuildSelectorKey(keys.InferAction(req.Description), req.Description)
}

// Resolve returns the stored locator for the request's semantic key, or
// generates, persists and returns a new one on a miss.
func (s *Selectors) Resolve(ctx context.Context, req SelectorRequest) (SelectorResult, error) {
	key := KeyFor(req)

	if !req.SkipKnowledgeLookup {
		k, err := s.store.GetSelectorKnowledge(ctx, req.ProjectID, req.ApplicationID, key)
		switch {
		case err == nil:
			if err := s.store.TouchSelectorKnowledge(ctx, req.ProjectID, req.ApplicationID, key); err != nil {
				return SelectorResult{}, fmt.Errorf("touching selector %s: %w", key, err)
			}
			s.logger.Debug("selector resolved from knowledge", "project_id", req.ProjectID, "semantic_key", key)
			return SelectorResult{Selector: k.Selector, ResolvedFrom: FromKnowledge, SemanticKey: key}, nil
		case !errors.Is(err, storage.ErrNotFound):
			return SelectorResult{}, fmt.Errorf("looking up selector %s: %w", key, err)
		}
	}

	// Concurrent misses for the same record share one generation call. The
	// call is detached from any one caller's cancellation; a caller that
	// gives up only stops waiting for it.
	flight := req.ProjectID + "\x00" + req.ApplicationID + "\x00" + key
	ch := s.group.DoChan(flight, func() (any, error) {
		return s.generate(context.WithoutCancel(ctx), req, key)
	})
	select {
	case <-ctx.Done():
		return SelectorResult{}, fmt.Errorf("resolving selector %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return SelectorResult{}, res.Err
		}
		if res.Shared {
			s.logger.Debug("selector generation shared", "semantic_key", key)
		}
		return res.Val.(SelectorResult), nil
	}
}

func (s *Selectors) generate(ctx context.Context, req SelectorRequest, key string) (SelectorResult, error) {
	action := keys.InferAction(req.Description)
	page := s.pageContext(ctx, req)

	raw, err := s.gen.Generate(ctx, generation.Request{
		Source:       generation.SourceSelector,
		SystemPrompt: selectorSystemPrompt,
		UserPrompt:   selectorUserPrompt(req.Description, action, key, page),
		JSONOutput:   true,
	})
	if err != nil {
		return SelectorResult{}, fmt.Errorf("generating selector %s: %w", key, err)
	}
	suggestion, err := generation.ParseSelectorSuggestion(raw)
	if err != nil {
		return SelectorResult{}, fmt.Errorf("generating selector %s: %w", key, err)
	}

	stored, err := s.store.UpsertSelectorKnowledge(ctx, storage.SelectorKnowledge{
		ProjectID:     req.ProjectID,
		ApplicationID: req.ApplicationID,
		SemanticKey:   key,
		Selector:      suggestion.Formatted(),
		Confidence:    1.0,
	})
	if err != nil {
		return SelectorResult{}, fmt.Errorf("persisting selector %s: %w", key, err)
	}
	s.logger.Info("selector generated", "project_id", req.ProjectID, "semantic_key", key, "selector", stored.Selector)
	return SelectorResult{Selector: stored.Selector, ResolvedFrom: FromAI, SemanticKey: key}, nil
}

// pageContext returns prompt-ready page text. HTML is condensed; an absent
// context is fetched from the snapshotter when one is configured.
func (s *Selectors) pageContext(ctx context.Context, req SelectorRequest) string {
	page := req.PageContext
	if strings.TrimSpace(page) == "" && s.snap != nil {
		snap, err := s.snap.Snapshot(ctx, req.ProjectID, req.ApplicationID)
		if err != nil {
			s.logger.Warn("page snapshot unavailable", "project_id", req.ProjectID, "error", err)
		} else {
			page = snap
		}
	}
	if snapshot.LooksLikeHTML(page) {
		if summary, err := snapshot.SummarizeString(page, 0); err == nil {
			page = summary
		} else {
			s.logger.Debug("page context is not parseable html", "error", err)
		}
	}
	return truncateRunes(page, maxPageContextRunes)
}

// ResolveSteps resolves each description in order using base for the
// shared fields. On failure it returns the results resolved so far.
func (s *Selectors) ResolveSteps(ctx context.Context, base SelectorRequest, descriptions []string) ([]SelectorResult, error) {
	results := make([]SelectorResult, 0, len(descriptions))
	for i, d := range descriptions {
		req := base
		req.Description = d
		req.SemanticKey = ""
		res, err := s.Resolve(ctx, req)
		if err != nil {
			return results, fmt.Errorf("step %d: %w", i+1, err)
		}
		results = append(results, res)
	}
	return results, nil
}
