package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorKnowledge_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSelectorKnowledge(context.Background(), "p1", "app", "login_button")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.TouchSelectorKnowledge(context.Background(), "p1", "app", "login_button"), ErrNotFound)
}

func TestSelectorKnowledge_UpsertAndTouch(t *testing.T) {
	s := openTestStore(t)
	clock := withClock(t, s)
	ctx := context.Background()

	k, err := s.UpsertSelectorKnowledge(ctx, SelectorKnowledge{
		ProjectID: "p1", ApplicationID: "web", SemanticKey: "login_button", Selector: "role:button[name=Login]",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, k.UsageCount)
	assert.Equal(t, 1.0, k.Confidence)
	assert.WithinDuration(t, clock.t, k.LastVerifiedAt, 0)

	clock.advance(time.Minute)
	require.NoError(t, s.TouchSelectorKnowledge(ctx, "p1", "web", "login_button"))

	got, err := s.GetSelectorKnowledge(ctx, "p1", "web", "login_button")
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	assert.WithinDuration(t, clock.t, got.LastVerifiedAt, 0)
	assert.Equal(t, k.CreatedAt, got.CreatedAt)

	clock.advance(time.Minute)
	k, err = s.UpsertSelectorKnowledge(ctx, SelectorKnowledge{
		ProjectID: "p1", ApplicationID: "web", SemanticKey: "login_button", Selector: "css:#login", Confidence: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "css:#login", k.Selector)
	assert.Equal(t, 3, k.UsageCount)
	assert.InDelta(t, 0.7, k.Confidence, 1e-9)
}

func TestSelectorKnowledge_ScopedByApplication(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSelectorKnowledge(ctx, SelectorKnowledge{ProjectID: "p1", ApplicationID: "web", SemanticKey: "k", Selector: "css:#a"})
	require.NoError(t, err)
	_, err = s.UpsertSelectorKnowledge(ctx, SelectorKnowledge{ProjectID: "p1", ApplicationID: "admin", SemanticKey: "k", Selector: "css:#b"})
	require.NoError(t, err)

	web, err := s.GetSelectorKnowledge(ctx, "p1", "web", "k")
	require.NoError(t, err)
	assert.Equal(t, "css:#a", web.Selector)

	all, err := s.ListSelectorKnowledge(ctx, "p1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	admin, err := s.ListSelectorKnowledge(ctx, "p1", "admin", 10)
	require.NoError(t, err)
	require.Len(t, admin, 1)
	assert.Equal(t, "css:#b", admin[0].Selector)
}

func TestDataKnowledge_InsertIsImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetDataKnowledge(ctx, "p1", "CHECKOUT_LOGIN")
	require.ErrorIs(t, err, ErrNotFound)

	first, err := s.InsertDataKnowledge(ctx, DataKnowledge{
		ProjectID: "p1", DataKey: "CHECKOUT_LOGIN", RequirementType: "LOGIN", Scenario: "CHECKOUT", ValueJSON: `{"email":"a@b.com"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"email":"a@b.com"}`, first.ValueJSON)

	second, err := s.InsertDataKnowledge(ctx, DataKnowledge{
		ProjectID: "p1", DataKey: "CHECKOUT_LOGIN", RequirementType: "LOGIN", Scenario: "CHECKOUT", ValueJSON: `{"email":"other@b.com"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ValueJSON, second.ValueJSON)

	n, err := s.CountDataKnowledge(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDataKnowledge_ConcurrentWritersSeeOneValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	values := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.InsertDataKnowledge(ctx, DataKnowledge{
				ProjectID: "p1", DataKey: "K", RequirementType: "T", Scenario: "S",
				ValueJSON: `{"writer":` + string(rune('0'+i)) + `}`,
			})
			if err != nil {
				t.Errorf("InsertDataKnowledge: %v", err)
				return
			}
			values[i] = d.ValueJSON
		}(i)
	}
	wg.Wait()

	for _, v := range values {
		assert.Equal(t, values[0], v)
	}
}
