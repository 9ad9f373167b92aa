package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/qaknow/internal/config"
	"github.com/kalambet/qaknow/internal/generation"
	"github.com/kalambet/qaknow/internal/queue"
	"github.com/kalambet/qaknow/internal/resolver"
	"github.com/kalambet/qaknow/internal/storage"
)

const testToken = "test-token"

// stubGen answers selector requests and data requests with fixed output.
type stubGen struct {
	mu       sync.Mutex
	calls    int
	selector string
	data     string
	err      error
}

func (g *stubGen) Generate(_ context.Context, req generation.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	if req.Source == generation.SourceData {
		return g.data, nil
	}
	return g.selector, nil
}

type testEnv struct {
	store   *storage.Store
	gen     *stubGen
	handler http.Handler
	tickets *queue.Queue
}

func newTestEnv(t *testing.T, generationEnabled bool) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gen := &stubGen{
		selector: `{"locatorStrategy":"role","selector":"button[name=Login]"}`,
		data:     `{"value":{"email":"buyer@example.com","password":"S3cret!"}}`,
	}
	var cfg config.Config
	cfg.Generation.Enabled = generationEnabled

	tickets := queue.New(store, queue.TicketGeneration, 3)
	h := NewHandler(Deps{
		Selectors: resolver.NewSelectors(store, gen, nil),
		Data:      resolver.NewData(store, gen),
		Knowledge: store,
		Tickets:   tickets,
		Jobs:      store,
		Config:    config.Static(cfg),
		Token:     testToken,
	})
	return &testEnv{store: store, gen: gen, handler: h, tickets: tickets}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t, true)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuth_Rejected(t *testing.T) {
	env := newTestEnv(t, true)
	for _, header := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Equal(t, `Bearer realm="qaknow"`, rec.Header().Get("WWW-Authenticate"))
		assert.Equal(t, "unauthorized", errorType(t, rec))
	}
}

func TestAuth_SchemeCaseInsensitive(t *testing.T) {
	env := newTestEnv(t, true)
	req := httptest.NewRequest(http.MethodGet, "/jobs/counts", nil)
	req.Header.Set("Authorization", "bearer "+testToken)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAuth_EmptyTokenRejectsEverything(t *testing.T) {
	h := RequireToken("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for _, header := range []string{"", "Bearer ", "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Equal(t, "unauthorized", errorType(t, rec))
	}
}

func TestResolveSelector_GeneratesThenRemembers(t *testing.T) {
	env := newTestEnv(t, true)
	body := map[string]any{"description": "Login", "project_id": "p1", "application_id": "web"}

	rec := env.do(t, http.MethodPost, "/resolve/selector", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first resolver.SelectorResult
	decode(t, rec, &first)
	assert.Equal(t, "role:button[name=Login]", first.Selector)
	assert.Equal(t, resolver.FromAI, first.ResolvedFrom)
	assert.Equal(t, "login_button", first.SemanticKey)

	rec = env.do(t, http.MethodPost, "/resolve/selector", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var second resolver.SelectorResult
	decode(t, rec, &second)
	assert.Equal(t, resolver.FromKnowledge, second.ResolvedFrom)
	assert.Equal(t, first.Selector, second.Selector)
	assert.Equal(t, 1, env.gen.calls)
}

func TestResolveSelector_Validation(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodPost, "/resolve/selector", map[string]any{"project_id": "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/resolve/selector", map[string]any{"description": "Login"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/resolve/selector", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request_error", errorType(t, rr))
}

func TestResolveSelector_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		genErr   error
		selector string
		wantCode int
		wantType string
	}{
		{"unavailable", generation.ErrUnavailable, "", http.StatusServiceUnavailable, "generation_unavailable"},
		{"invalid output", nil, "not json", http.StatusBadGateway, "invalid_generation_output"},
		{"other", errors.New("boom"), "", http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true)
			env.gen.err = tt.genErr
			env.gen.selector = tt.selector
			rec := env.do(t, http.MethodPost, "/resolve/selector", map[string]any{"description": "Login", "project_id": "p1"})
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantType, errorType(t, rec))
		})
	}
}

func TestResolveData_ValuesAndFlat(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/resolve/data", map[string]any{
		"project_id": "p1",
		"requirements": []map[string]string{
			{"alias": "buyer", "type": "credentials", "scenario": "valid login"},
		},
		"context": map[string]string{"ticket_title": "Checkout"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Values map[string]any    `json:"values"`
		Flat   map[string]string `json:"flat"`
	}
	decode(t, rec, &out)
	assert.Equal(t, map[string]any{"email": "buyer@example.com", "password": "S3cret!"}, out.Values["buyer"])
	assert.Equal(t, "buyer@example.com", out.Flat["buyer.email"])
	assert.Equal(t, "S3cret!", out.Flat["buyer.password"])
}

func TestResolveData_Validation(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/resolve/data", map[string]any{
		"project_id":   "p1",
		"requirements": []map[string]string{{"alias": "x", "type": "email"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.gen.calls)
}

func TestInterpolate(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/interpolate", map[string]any{
		"template": "Log in as {{buyer.email}}",
		"data":     map[string]any{"buyer": map[string]any{"email": "a@b.com"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"Log in as a@b.com"}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/interpolate", map[string]any{"template": "{{missing}}", "data": map[string]any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unresolved_placeholder", errorType(t, rec))
}

func ticketBody() map[string]any {
	return map[string]any{
		"project_id":   "p1",
		"title":        "Checkout",
		"requirements": []map[string]string{{"alias": "buyer", "type": "credentials", "scenario": "valid login"}},
		"steps":        []string{"Login"},
	}
}

func TestTicketReady_EnqueuesOnce(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodPost, "/tickets/T-1/ready", ticketBody())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var first map[string]any
	decode(t, rec, &first)
	assert.Equal(t, "T-1", first["job_id"])
	assert.Equal(t, true, first["queued"])

	rec = env.do(t, http.MethodPost, "/tickets/T-1/ready", ticketBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var second map[string]any
	decode(t, rec, &second)
	assert.Equal(t, false, second["queued"])
	assert.Equal(t, "already queued", second["reason"])

	snap, err := env.store.GetTicketSnapshot(context.Background(), "T-1")
	require.NoError(t, err)
	assert.Equal(t, "Checkout", snap.Title)
	assert.JSONEq(t, `["Login"]`, snap.StepsJSON)
}

func TestTicketReady_GenerationDisabled(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/tickets/T-2/ready", ticketBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var out map[string]any
	decode(t, rec, &out)
	assert.Equal(t, false, out["queued"])
	assert.Equal(t, "generation disabled", out["reason"])

	counts, err := env.tickets.Counts(context.Background())
	require.NoError(t, err)
	for state, n := range counts {
		assert.Zero(t, n, state)
	}

	_, err = env.store.GetTicketSnapshot(context.Background(), "T-2")
	require.NoError(t, err)
}

func TestJobs_InspectRetryRemove(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	id, err := env.tickets.Enqueue(ctx, "T-9")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/jobs?state=waiting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobView
	decode(t, rec, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, queue.TicketGeneration, jobs[0].Queue)

	rec = env.do(t, http.MethodGet, "/jobs?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/jobs?queue="+queue.Orchestrator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &jobs)
	assert.Empty(t, jobs)

	rec = env.do(t, http.MethodGet, "/jobs/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	decode(t, rec, &counts)
	assert.Equal(t, 1, counts[storage.JobWaiting])

	rec = env.do(t, http.MethodGet, "/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view jobView
	decode(t, rec, &view)
	assert.Equal(t, "T-9", view.EntityID)

	// Only failed jobs can be retried.
	rec = env.do(t, http.MethodPost, "/jobs/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", errorType(t, rec))

	rec = env.do(t, http.MethodDelete, "/jobs/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/jobs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorType(t, rec))
}

func TestKnowledgeSelectors(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/resolve/selector", map[string]any{"description": "Login", "project_id": "p1", "application_id": "web"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/knowledge/selectors", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/knowledge/selectors?project_id=p1&application_id=web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []selectorView
	decode(t, rec, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "login_button", out[0].SemanticKey)
	assert.Equal(t, "role:button[name=Login]", out[0].Selector)
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=-1", 50},
		{"limit=abc", 50},
		{"limit=9999", 500},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/jobs?"+tt.query, nil)
		assert.Equal(t, tt.want, parseIntParam(r, "limit", 50, 500), tt.query)
	}
}
