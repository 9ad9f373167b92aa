package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/qaknow/internal/config"
	"github.com/kalambet/qaknow/internal/queue"
	"github.com/kalambet/qaknow/internal/resolver"
	"github.com/kalambet/qaknow/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SelectorResolver resolves a single step locator.
type SelectorResolver interface {
	Resolve(ctx context.Context, req resolver.SelectorRequest) (resolver.SelectorResult, error)
}

// DataResolver resolves a batch of data requirements.
type DataResolver interface {
	Resolve(ctx context.Context, projectID string, reqs []resolver.DataRequirement, dctx resolver.DataContext) (map[string]any, error)
}

// KnowledgeStore is the read and snapshot side of storage used by the API.
type KnowledgeStore interface {
	ListSelectorKnowledge(ctx context.Context, projectID, applicationID string, limit int) ([]storage.SelectorKnowledge, error)
	SaveTicketSnapshot(ctx context.Context, t storage.TicketSnapshot) error
}

type Deps struct {
	Selectors SelectorResolver
	Data      DataResolver
	Knowledge KnowledgeStore
	Tickets   *queue.Queue // ticket-generation queue
	Jobs      queue.Backend
	Config    config.Source
	Token     string
}

// NewHandler returns the operator HTTP API. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RequireToken(deps.Token))

		r.Post("/resolve/selector", handleResolveSelector(deps))
		r.Post("/resolve/data", handleResolveData(deps))
		r.Post("/interpolate", handleInterpolate)
		r.Post("/tickets/{id}/ready", handleTicketReady(deps))

		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/counts", handleJobCounts(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/retry", handleRetryJob(deps))
		r.Delete("/jobs/{id}", handleRemoveJob(deps))

		r.Get("/knowledge/selectors", handleListSelectors(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleResolveSelector(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolver.SelectorRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Description) == "" && req.SemanticKey == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "description is required")
			return
		}
		if req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}

		res, err := deps.Selectors.Resolve(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type resolveDataRequest struct {
	ProjectID    string                     `json:"project_id"`
	Requirements []resolver.DataRequirement `json:"requirements"`
	Context      resolver.DataContext       `json:"context"`
}

func handleResolveData(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveDataRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}
		for i, rq := range req.Requirements {
			if strings.TrimSpace(rq.Type) == "" || strings.TrimSpace(rq.Scenario) == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "requirements[%d]: type and scenario are required", i)
				return
			}
		}

		values, err := deps.Data.Resolve(r.Context(), req.ProjectID, req.Requirements, req.Context)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"values": values,
			"flat":   resolver.Flatten(values),
		})
	}
}

type interpolateRequest struct {
	Template string         `json:"template"`
	Data     map[string]any `json:"data"`
}

func handleInterpolate(w http.ResponseWriter, r *http.Request) {
	var req interpolateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := resolver.Interpolate(req.Template, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": out})
}

type ticketReadyRequest struct {
	ProjectID          string                     `json:"project_id"`
	ApplicationID      string                     `json:"application_id"`
	Title              string                     `json:"title"`
	Description        string                     `json:"description"`
	AcceptanceCriteria string                     `json:"acceptance_criteria"`
	Requirements       []resolver.DataRequirement `json:"requirements"`
	Steps              []string                   `json:"steps"`
}

func handleTicketReady(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req ticketReadyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}

		if req.Requirements == nil {
			req.Requirements = []resolver.DataRequirement{}
		}
		if req.Steps == nil {
			req.Steps = []string{}
		}
		reqJSON, err := json.Marshal(req.Requirements)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to encode requirements: %v", err)
			return
		}
		stepsJSON, err := json.Marshal(req.Steps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to encode steps: %v", err)
			return
		}
		if err := deps.Knowledge.SaveTicketSnapshot(r.Context(), storage.TicketSnapshot{
			ID:                 id,
			ProjectID:          req.ProjectID,
			ApplicationID:      req.ApplicationID,
			Title:              req.Title,
			Description:        req.Description,
			AcceptanceCriteria: req.AcceptanceCriteria,
			RequirementsJSON:   string(reqJSON),
			StepsJSON:          string(stepsJSON),
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save ticket: %v", err)
			return
		}

		// Feature toggles must be observed immediately.
		cfg, err := deps.Config.Get(r.Context(), true)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load config: %v", err)
			return
		}
		if !cfg.Generation.Enabled {
			writeJSON(w, http.StatusAccepted, map[string]any{"job_id": "", "queued": false, "reason": "generation disabled"})
			return
		}

		jobID, err := deps.Tickets.Enqueue(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := map[string]any{"job_id": jobID, "queued": jobID != ""}
		if jobID == "" {
			resp["reason"] = "already queued"
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

type jobView struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	EntityID    string `json:"entity_id"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	RunAfter    string `json:"run_after"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	FinishedAt  string `json:"finished_at,omitempty"`
}

func viewJob(j storage.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Queue:       j.Queue,
		EntityID:    j.EntityID,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		RunAfter:    j.RunAfter.UTC().Format(timeLayout),
		CreatedAt:   j.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:   j.UpdatedAt.UTC().Format(timeLayout),
	}
	if !j.FinishedAt.IsZero() {
		v.FinishedAt = j.FinishedAt.UTC().Format(timeLayout)
	}
	return v
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		state := r.URL.Query().Get("state")
		if state != "" && !slices.Contains(storage.JobStates, state) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown job state %q", state)
			return
		}
		jobs, err := inspector(deps, r).List(r.Context(), state, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, viewJob(j))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleJobCounts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inspect := inspector(deps, r)
		counts, err := inspect.Counts(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

// inspector scopes job inspection to ?queue= when given, else every queue.
func inspector(deps Deps, r *http.Request) *queue.Queue {
	if name := r.URL.Query().Get("queue"); name != "" {
		return queue.New(deps.Jobs, name, 1)
	}
	return queue.All(deps.Jobs)
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := inspector(deps, r).Job(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewJob(j))
	}
}

func handleRetryJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := inspector(deps, r).Retry(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "waiting"})
	}
}

func handleRemoveJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := inspector(deps, r).Remove(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
	}
}

type selectorView struct {
	ProjectID      string  `json:"project_id"`
	ApplicationID  string  `json:"application_id"`
	SemanticKey    string  `json:"semantic_key"`
	Selector       string  `json:"selector"`
	Confidence     float64 `json:"confidence"`
	UsageCount     int     `json:"usage_count"`
	LastVerifiedAt string  `json:"last_verified_at"`
}

func handleListSelectors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project_id")
		if projectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 100, 1000)
		records, err := deps.Knowledge.ListSelectorKnowledge(r.Context(), projectID, r.URL.Query().Get("application_id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list selectors: %v", err)
			return
		}
		out := make([]selectorView, 0, len(records))
		for _, k := range records {
			out = append(out, selectorView{
				ProjectID:      k.ProjectID,
				ApplicationID:  k.ApplicationID,
				SemanticKey:    k.SemanticKey,
				Selector:       k.Selector,
				Confidence:     k.Confidence,
				UsageCount:     k.UsageCount,
				LastVerifiedAt: k.LastVerifiedAt.UTC().Format(timeLayout),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
