package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"github.com/promptwall/backend/internal/ratelimit"
	"github.com/promptwall/backend/internal/wall"
)

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("piece-%d", g.next), nil
}

type allowAllVerifier struct{}

func (allowAllVerifier) Verify(ctx context.Context, token, remoteIP string) error { return nil }

type allowAllLimiter struct{}

func (allowAllLimiter) Check(ctx context.Context, scopeKey string, limit int) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true}
}

type noopQueue struct{}

func (noopQueue) Enqueue(ctx context.Context, pieceID string) error { return nil }

type captureBroadcaster struct {
	events []any
}

func (b *captureBroadcaster) Broadcast(event any) { b.events = append(b.events, event) }

type fakeAI struct {
	classification string
	classifyErr    error
	classifyCalls  int

	prompt       string
	transformErr error

	image         string
	synthesizeErr error
	synthesized   []string
}

func (f *fakeAI) Classify(ctx context.Context, text, styleHint string) (string, error) {
	f.classifyCalls++
	return f.classification, f.classifyErr
}

func (f *fakeAI) TransformPrompt(ctx context.Context, text, styleHint string) (string, error) {
	return f.prompt, f.transformErr
}

func (f *fakeAI) SynthesizeImage(ctx context.Context, prompt string) (string, error) {
	if f.synthesizeErr != nil {
		return "", f.synthesizeErr
	}
	f.synthesized = append(f.synthesized, prompt)
	return f.image, nil
}

type pipelineHarness struct {
	service   *wall.Service
	processor *Processor
	ai        *fakeAI
	db        *gorm.DB
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&wall.Piece{}, &wall.State{}, &ratelimit.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := wall.NewService(wall.ServiceConfig{
		Database:    db,
		IDProvider:  &sequentialIDs{},
		Verifier:    allowAllVerifier{},
		Limiter:     allowAllLimiter{},
		Queue:       noopQueue{},
		Broadcaster: &captureBroadcaster{},
	})
	if err != nil {
		t.Fatalf("failed to build wall service: %v", err)
	}

	ai := &fakeAI{
		classification: "SAFE",
		prompt:         "a derived prompt",
		image:          "data:image/png;base64,abc",
	}
	processor, err := NewProcessor(ProcessorConfig{Wall: service, AI: ai})
	if err != nil {
		t.Fatalf("failed to build processor: %v", err)
	}
	return &pipelineHarness{service: service, processor: processor, ai: ai, db: db}
}

func (h *pipelineHarness) submit(t *testing.T, text string) string {
	t.Helper()
	pieceID, err := h.service.Submit(context.Background(), wall.SubmitRequest{Text: text})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return pieceID
}

func (h *pipelineHarness) process(t *testing.T, pieceID string) {
	t.Helper()
	payload, err := json.Marshal(GeneratePayload{PieceID: pieceID})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	task := asynq.NewTask(TaskGeneratePiece, payload)
	if err := h.processor.Handler().ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected task error: %v", err)
	}
}

func (h *pipelineHarness) loadPiece(t *testing.T, pieceID string) wall.Piece {
	t.Helper()
	piece, err := h.service.GetPiece(context.Background(), pieceID)
	if err != nil {
		t.Fatalf("failed to load piece: %v", err)
	}
	return piece
}

func TestPipelineCompletesSafeSubmission(t *testing.T) {
	harness := newPipelineHarness(t)
	pieceID := harness.submit(t, "a cat dreaming of fish")

	harness.process(t, pieceID)

	piece := harness.loadPiece(t, pieceID)
	if piece.Status != wall.PieceStatusComplete {
		t.Fatalf("expected complete, got %s", piece.Status)
	}
	if piece.Prompt == nil || *piece.Prompt != "a derived prompt" {
		t.Fatal("expected transform prompt persisted")
	}
	if piece.ImageData == nil || *piece.ImageData == "" {
		t.Fatal("expected image payload persisted")
	}
	if harness.service.PendingGenerations() != 0 {
		t.Fatalf("expected slot released, pending = %d", harness.service.PendingGenerations())
	}
}

func TestPipelinePreFilterSkipsExternalCalls(t *testing.T) {
	harness := newPipelineHarness(t)
	pieceID := harness.submit(t, "some nsfw garden")

	harness.process(t, pieceID)

	piece := harness.loadPiece(t, pieceID)
	if piece.Status != wall.PieceStatusFailed {
		t.Fatalf("expected failed, got %s", piece.Status)
	}
	if piece.ErrorDetail == nil || *piece.ErrorDetail != "flagged by moderation" {
		t.Fatal("expected moderation failure reason")
	}
	if harness.ai.classifyCalls != 0 {
		t.Fatalf("expected no external call after pre-filter, got %d", harness.ai.classifyCalls)
	}
}

func TestPipelineModerationDefaultDeny(t *testing.T) {
	for _, classification := range []string{"UNSAFE", "", "mostly safe", "SAFE."} {
		t.Run("classification "+classification, func(t *testing.T) {
			harness := newPipelineHarness(t)
			harness.ai.classification = classification
			pieceID := harness.submit(t, "a quiet harbour")

			harness.process(t, pieceID)

			piece := harness.loadPiece(t, pieceID)
			if piece.Status != wall.PieceStatusFailed {
				t.Fatalf("expected failed for %q, got %s", classification, piece.Status)
			}
			if piece.ErrorDetail == nil || *piece.ErrorDetail != "flagged by moderation" {
				t.Fatal("expected moderation failure reason")
			}
		})
	}
}

func TestPipelineNormalizesClassifierOutput(t *testing.T) {
	harness := newPipelineHarness(t)
	harness.ai.classification = "  safe \n"
	pieceID := harness.submit(t, "a quiet harbour")

	harness.process(t, pieceID)

	piece := harness.loadPiece(t, pieceID)
	if piece.Status != wall.PieceStatusComplete {
		t.Fatalf("expected trim+uppercase normalization to pass, got %s", piece.Status)
	}
}

func TestPipelineClassifierErrorFailsPiece(t *testing.T) {
	harness := newPipelineHarness(t)
	harness.ai.classifyErr = errors.New("upstream timeout")
	pieceID := harness.submit(t, "a quiet harbour")

	harness.process(t, pieceID)

	piece := harness.loadPiece(t, pieceID)
	if piece.Status != wall.PieceStatusFailed {
		t.Fatalf("expected failed, got %s", piece.Status)
	}
	if harness.service.PendingGenerations() != 0 {
		t.Fatal("expected slot released on failure path")
	}
}

func TestPipelineFallsBackToTemplatedPrompt(t *testing.T) {
	harness := newPipelineHarness(t)
	harness.ai.prompt = "   "
	pieceID := harness.submit(t, "a quiet harbour")

	harness.process(t, pieceID)

	piece := harness.loadPiece(t, pieceID)
	if piece.Status != wall.PieceStatusComplete {
		t.Fatalf("expected complete, got %s", piece.Status)
	}
	if piece.Prompt == nil || !strings.Contains(*piece.Prompt, "a quiet harbour") {
		t.Fatalf("expected fallback prompt containing the text, got %v", piece.Prompt)
	}
}

func TestPipelineSynthesisErrorFailsPiece(t *testing.T) {
	harness := newPipelineHarness(t)
	harness.ai.synthesizeErr = errors.New("render farm down")
	pieceID := harness.submit(t, "a quiet harbour")

	harness.process(t, pieceID)

	piece := harness.loadPiece(t, pieceID)
	if piece.Status != wall.PieceStatusFailed {
		t.Fatalf("expected failed, got %s", piece.Status)
	}
	if piece.ErrorDetail == nil || *piece.ErrorDetail != "image generation failed" {
		t.Fatalf("expected bounded generic reason, got %v", piece.ErrorDetail)
	}
}

func TestPipelineExitsQuietlyWhenPieceRotatedAway(t *testing.T) {
	harness := newPipelineHarness(t)
	pieceID := harness.submit(t, "a quiet harbour")

	// A rotation sweeps the wall between admission and the job run.
	if err := harness.db.Where("1 = 1").Delete(&wall.Piece{}).Error; err != nil {
		t.Fatalf("failed to clear pieces: %v", err)
	}

	harness.process(t, pieceID)

	if harness.ai.classifyCalls != 0 {
		t.Fatal("expected no external work for a vanished piece")
	}
	if harness.service.PendingGenerations() != 0 {
		t.Fatal("expected slot released for a vanished piece")
	}
}

func TestPipelineSkipsAlreadyTerminalPiece(t *testing.T) {
	harness := newPipelineHarness(t)
	pieceID := harness.submit(t, "a quiet harbour")
	harness.service.FailPiece(context.Background(), pieceID, "earlier failure")

	harness.process(t, pieceID)

	piece := harness.loadPiece(t, pieceID)
	if piece.Status != wall.PieceStatusFailed {
		t.Fatalf("expected terminal state untouched, got %s", piece.Status)
	}
	if harness.ai.classifyCalls != 0 {
		t.Fatal("expected no external work for a terminal piece")
	}
}
