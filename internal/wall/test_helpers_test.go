package wall

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/promptwall/backend/internal/ratelimit"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	return f.err
}

type fakeLimiter struct {
	denied     map[string]time.Duration
	seenScopes []string
}

func (f *fakeLimiter) Check(ctx context.Context, scopeKey string, limit int) ratelimit.Decision {
	f.seenScopes = append(f.seenScopes, scopeKey)
	if retryAfter, ok := f.denied[scopeKey]; ok {
		return ratelimit.Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return ratelimit.Decision{Allowed: true}
}

type recordingQueue struct {
	pieceIDs []string
	err      error
}

func (q *recordingQueue) Enqueue(ctx context.Context, pieceID string) error {
	if q.err != nil {
		return q.err
	}
	q.pieceIDs = append(q.pieceIDs, pieceID)
	return nil
}

type recordingBroadcaster struct {
	events []any
}

func (b *recordingBroadcaster) Broadcast(event any) {
	b.events = append(b.events, event)
}

type testHarness struct {
	service     *Service
	db          *gorm.DB
	verifier    *fakeVerifier
	limiter     *fakeLimiter
	queue       *recordingQueue
	broadcaster *recordingBroadcaster
}

func newTestHarness(t *testing.T, ids []string, maxPending int) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Piece{}, &State{}, &Background{}, &SnapshotIndex{}, &ratelimit.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	harness := &testHarness{
		db:          db,
		verifier:    &fakeVerifier{},
		limiter:     &fakeLimiter{},
		queue:       &recordingQueue{},
		broadcaster: &recordingBroadcaster{},
	}

	service, err := NewService(ServiceConfig{
		Database:       db,
		IDProvider:     &staticIDGenerator{ids: ids},
		Verifier:       harness.verifier,
		Limiter:        harness.limiter,
		Queue:          harness.queue,
		Broadcaster:    harness.broadcaster,
		MaxPendingJobs: maxPending,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	harness.service = service
	return harness
}

func floatPtr(v float64) *float64 {
	return &v
}
