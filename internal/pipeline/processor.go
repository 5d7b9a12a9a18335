package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptwall/backend/internal/moderation"
	"github.com/promptwall/backend/internal/wall"
)

const (
	maxPromptLength = 600

	moderationFailureReason = "flagged by moderation"
	generationFailureReason = "image generation failed"
)

var (
	errMissingWallService = errors.New("pipeline: wall service is required")
	errMissingAIClient    = errors.New("pipeline: ai client is required")
)

// AIClient is the outbound surface the pipeline needs from the external
// generation services.
type AIClient interface {
	Classify(ctx context.Context, text, styleHint string) (string, error)
	TransformPrompt(ctx context.Context, text, styleHint string) (string, error)
	SynthesizeImage(ctx context.Context, prompt string) (string, error)
}

// ProcessorConfig bundles dependencies for the generation processor.
type ProcessorConfig struct {
	Wall     *wall.Service
	AI       AIClient
	Sentinel string
	Logger   *zap.Logger
}

// Processor runs the per-piece generation state machine: pre-filter,
// moderation, prompt transform, image synthesis, then the terminal persist
// and broadcast. Every exit path releases the admission slot exactly once.
type Processor struct {
	wall     *wall.Service
	ai       AIClient
	sentinel string
	logger   *zap.Logger
}

// NewProcessor constructs a processor with validated configuration.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Wall == nil {
		return nil, errMissingWallService
	}
	if cfg.AI == nil {
		return nil, errMissingAIClient
	}
	sentinel := strings.TrimSpace(cfg.Sentinel)
	if sentinel == "" {
		sentinel = "SAFE"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		wall:     cfg.Wall,
		ai:       cfg.AI,
		sentinel: sentinel,
		logger:   logger,
	}, nil
}

// Handler registers the generation job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskGeneratePiece, p.handleGenerate)
	return mux
}

func (p *Processor) handleGenerate(ctx context.Context, task *asynq.Task) error {
	var payload GeneratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("pipeline: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	defer p.wall.ReleaseSlot()

	piece, err := p.wall.GetPiece(ctx, payload.PieceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Swept away by a rotation before the job ran. Nothing to do.
		return nil
	}
	if err != nil {
		p.logger.Error("piece load failed", zap.String("piece_id", payload.PieceID), zap.Error(err))
		return nil
	}
	if piece.Status != wall.PieceStatusGenerating {
		return nil
	}

	p.runPipeline(ctx, piece)
	return nil
}

func (p *Processor) runPipeline(ctx context.Context, piece wall.Piece) {
	styleHint := ""
	if piece.StyleHint != nil {
		styleHint = *piece.StyleHint
	}

	if moderation.ContainsBlockedTerm(piece.Text) {
		p.wall.FailPiece(ctx, piece.ID, moderationFailureReason)
		return
	}

	classification, err := p.ai.Classify(ctx, piece.Text, styleHint)
	if err != nil {
		p.failPiece(ctx, piece.ID, generationFailureReason, err)
		return
	}
	// Untrusted model output: anything but the exact sentinel is unsafe,
	// including empty and malformed responses.
	if strings.ToUpper(strings.TrimSpace(classification)) != p.sentinel {
		p.wall.FailPiece(ctx, piece.ID, moderationFailureReason)
		return
	}

	prompt, err := p.ai.TransformPrompt(ctx, piece.Text, styleHint)
	if err != nil {
		p.failPiece(ctx, piece.ID, generationFailureReason, err)
		return
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = fallbackPrompt(piece.Text, styleHint)
	}
	prompt = moderation.Truncate(prompt, maxPromptLength)

	imageData, err := p.ai.SynthesizeImage(ctx, prompt)
	if err != nil {
		p.failPiece(ctx, piece.ID, generationFailureReason, err)
		return
	}

	completed, err := p.wall.CompletePiece(ctx, piece.ID, prompt, imageData)
	if err != nil {
		p.logger.Error("terminal persist failed",
			zap.String("piece_id", piece.ID), zap.Error(err))
		return
	}
	if !completed {
		p.logger.Debug("piece vanished before completion, skipping",
			zap.String("piece_id", piece.ID))
	}
}

func (p *Processor) failPiece(ctx context.Context, pieceID, reason string, cause error) {
	p.logger.Warn("generation stage failed",
		zap.String("piece_id", pieceID), zap.Error(cause))
	p.wall.FailPiece(ctx, pieceID, reason)
}

// fallbackPrompt produces the deterministic prompt used when the transform
// service returns nothing usable.
func fallbackPrompt(text, styleHint string) string {
	if styleHint != "" {
		return fmt.Sprintf("A vivid illustration of %s, rendered in %s style", text, styleHint)
	}
	return fmt.Sprintf("A vivid illustration of %s", text)
}

// Reconcile re-enqueues pieces left in the generating state by a restart
// between admission and pipeline completion.
func Reconcile(ctx context.Context, wallService *wall.Service, queue *Queue, logger *zap.Logger) error {
	ids, err := wallService.StuckGeneratingIDs(ctx)
	if err != nil {
		return err
	}
	for _, pieceID := range ids {
		if err := queue.Enqueue(ctx, pieceID); err != nil {
			logger.Error("reconcile enqueue failed",
				zap.String("piece_id", pieceID), zap.Error(err))
			continue
		}
		logger.Info("re-enqueued stuck piece", zap.String("piece_id", pieceID))
	}
	return nil
}
