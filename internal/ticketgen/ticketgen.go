// Package ticketgen handles ticket-ready generation jobs: it resolves a
// ticket's data requirements and step selectors ahead of execution so the
// knowledge store is warm when tests run.
package ticketgen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/qaknow/internal/queue"
	"github.com/kalambet/qaknow/internal/resolver"
	"github.com/kalambet/qaknow/internal/storage"
)

// SnapshotStore reads the narrative saved with a ticket-ready event.
type SnapshotStore interface {
	GetTicketSnapshot(ctx context.Context, id string) (storage.TicketSnapshot, error)
}

// DataResolver resolves a batch of data requirements.
type DataResolver interface {
	Resolve(ctx context.Context, projectID string, reqs []resolver.DataRequirement, dctx resolver.DataContext) (map[string]any, error)
}

// StepResolver resolves step selectors in order.
type StepResolver interface {
	ResolveSteps(ctx context.Context, base resolver.SelectorRequest, descriptions []string) ([]resolver.SelectorResult, error)
}

// Result summarises one ticket run.
type Result struct {
	TicketID      string
	DataValues    int
	Selectors     int
	FromKnowledge int
}

type Generator struct {
	snapshots SnapshotStore
	data      DataResolver
	steps     StepResolver
	logger    *slog.Logger
}

func New(snapshots SnapshotStore, data DataResolver, steps StepResolver) *Generator {
	return &Generator{snapshots: snapshots, data: data, steps: steps, logger: slog.Default()}
}

// SetLogger replaces the generator's logger.
func (g *Generator) SetLogger(l *slog.Logger) {
	g.logger = l
}

// Handle is the queue handler for ticket-generation jobs.
func (g *Generator) Handle(ctx context.Context, job storage.Job) error {
	ticketID, err := queue.EntityID(job)
	if err != nil {
		return err
	}
	res, err := g.Generate(ctx, ticketID)
	if err != nil {
		return err
	}
	g.logger.Info("ticket generation finished",
		"job_id", job.ID,
		"ticket_id", res.TicketID,
		"data_values", res.DataValues,
		"selectors", res.Selectors,
		"from_knowledge", res.FromKnowledge,
	)
	return nil
}

// Generate resolves the ticket's data requirements as one batch and then
// its step selectors.
func (g *Generator) Generate(ctx context.Context, ticketID string) (Result, error) {
	snap, err := g.snapshots.GetTicketSnapshot(ctx, ticketID)
	if err != nil {
		return Result{}, fmt.Errorf("loading ticket %s: %w", ticketID, err)
	}

	var reqs []resolver.DataRequirement
	if err := json.Unmarshal([]byte(snap.RequirementsJSON), &reqs); err != nil {
		return Result{}, fmt.Errorf("parsing requirements for ticket %s: %w", ticketID, err)
	}
	var steps []string
	if err := json.Unmarshal([]byte(snap.StepsJSON), &steps); err != nil {
		return Result{}, fmt.Errorf("parsing steps for ticket %s: %w", ticketID, err)
	}

	res := Result{TicketID: ticketID}
	if len(reqs) > 0 {
		values, err := g.data.Resolve(ctx, snap.ProjectID, reqs, resolver.DataContext{
			TicketTitle:        snap.Title,
			TicketDescription:  snap.Description,
			AcceptanceCriteria: snap.AcceptanceCriteria,
		})
		if err != nil {
			return Result{}, fmt.Errorf("resolving data for ticket %s: %w", ticketID, err)
		}
		res.DataValues = len(values)
	}

	if len(steps) > 0 {
		resolved, err := g.steps.ResolveSteps(ctx, resolver.SelectorRequest{
			ProjectID:     snap.ProjectID,
			ApplicationID: snap.ApplicationID,
		}, steps)
		if err != nil {
			return Result{}, fmt.Errorf("resolving steps for ticket %s (%d of %d done): %w", ticketID, len(resolved), len(steps), err)
		}
		res.Selectors = len(resolved)
		for _, r := range resolved {
			if r.ResolvedFrom == resolver.FromKnowledge {
				res.FromKnowledge++
			}
		}
	}
	return res, nil
}
