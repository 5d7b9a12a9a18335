package wall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptwall/backend/internal/moderation"
	"github.com/promptwall/backend/internal/ratelimit"
)

const (
	opServiceNew    = "wall.service.new"
	opSubmit        = "wall.submit"
	opCompletePiece = "wall.complete_piece"
	opFailPiece     = "wall.fail_piece"
	opHistory       = "wall.history"
	opState         = "wall.state"
	opArchives      = "wall.archives"
	opReset         = "wall.reset"

	// GlobalScope is the low-cardinality limiter scope checked before any
	// identity scope, so a global rejection never consumes an identity slot.
	GlobalScope = "wall:submit"

	defaultAuthor = "anonymous"
	stateRowID    = 1
)

var (
	errMissingDatabase    = errors.New("wall: database handle is required")
	errMissingIDProvider  = errors.New("wall: id provider is required")
	errMissingVerifier    = errors.New("wall: token verifier is required")
	errMissingLimiter     = errors.New("wall: rate limiter is required")
	errMissingQueue       = errors.New("wall: generation queue is required")
	errMissingBroadcaster = errors.New("wall: broadcaster is required")

	noOpLogger = zap.NewNop()
)

// ServiceError wraps a service failure with a stable operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error { return e.err }

// Code returns the stable operation code for this failure.
func (e *ServiceError) Code() string { return e.code }

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RateLimitedError carries the retry hint for a denied submission.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("wall: rate limited, retry in %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// IDProvider issues unique piece identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// TokenVerifier checks a bot-verification token for a submitter.
type TokenVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// RateLimiter admits or denies a request for one limiter scope.
type RateLimiter interface {
	Check(ctx context.Context, scopeKey string, limit int) ratelimit.Decision
}

// GenerationQueue schedules the asynchronous generation job for a piece.
type GenerationQueue interface {
	Enqueue(ctx context.Context, pieceID string) error
}

// ServiceConfig bundles dependencies for the wall coordinator service.
type ServiceConfig struct {
	Database          *gorm.DB
	IDProvider        IDProvider
	Verifier          TokenVerifier
	Limiter           RateLimiter
	Queue             GenerationQueue
	Broadcaster       Broadcaster
	Clock             func() time.Time
	Logger            *zap.Logger
	MaxPendingJobs    int
	GlobalRateLimit   int
	IdentityRateLimit int
}

// Service owns the authoritative wall state: it admits submissions, tracks
// the in-flight generation cap, performs terminal piece transitions, and
// keeps the aggregate state row in step with every mutation.
type Service struct {
	db          *gorm.DB
	idProvider  IDProvider
	verifier    TokenVerifier
	limiter     RateLimiter
	queue       GenerationQueue
	broadcaster Broadcaster
	clock       func() time.Time
	logger      *zap.Logger

	maxPendingJobs    int
	globalRateLimit   int
	identityRateLimit int

	mu      sync.Mutex
	pending int
}

// NewService constructs the wall service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Verifier == nil {
		return nil, newServiceError(opServiceNew, "missing_verifier", errMissingVerifier)
	}
	if cfg.Limiter == nil {
		return nil, newServiceError(opServiceNew, "missing_limiter", errMissingLimiter)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.Broadcaster == nil {
		return nil, newServiceError(opServiceNew, "missing_broadcaster", errMissingBroadcaster)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxPending := cfg.MaxPendingJobs
	if maxPending <= 0 {
		maxPending = 5
	}
	globalLimit := cfg.GlobalRateLimit
	if globalLimit <= 0 {
		globalLimit = 30
	}
	identityLimit := cfg.IdentityRateLimit
	if identityLimit <= 0 {
		identityLimit = 3
	}

	return &Service{
		db:                cfg.Database,
		idProvider:        cfg.IDProvider,
		verifier:          cfg.Verifier,
		limiter:           cfg.Limiter,
		queue:             cfg.Queue,
		broadcaster:       cfg.Broadcaster,
		clock:             clock,
		logger:            logger,
		maxPendingJobs:    maxPending,
		globalRateLimit:   globalLimit,
		identityRateLimit: identityLimit,
	}, nil
}

// SubmitRequest describes one contribution attempt.
type SubmitRequest struct {
	Text      string
	Author    string
	StyleHint string
	Token     string
	RemoteIP  string
	X         *float64
	Y         *float64
}

// Submit runs the admission sequence and, when every gate passes, inserts a
// generating piece, broadcasts its arrival, and schedules the generation job.
// The returned identifier is available before generation starts.
func (s *Service) Submit(ctx context.Context, request SubmitRequest) (string, error) {
	if err := s.verifier.Verify(ctx, request.Token, request.RemoteIP); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnverified, err)
	}

	if decision := s.limiter.Check(ctx, GlobalScope, s.globalRateLimit); !decision.Allowed {
		return "", &RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	identityScope := "ip:" + request.RemoteIP
	if decision := s.limiter.Check(ctx, identityScope, s.identityRateLimit); !decision.Allowed {
		return "", &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	text := strings.TrimSpace(request.Text)
	if text == "" {
		return "", ErrEmptyText
	}
	if moderation.ContainsDisallowedMarkup(text) {
		return "", ErrDisallowedMarkup
	}
	text = moderation.Truncate(text, MaxTextLength)

	author := moderation.Truncate(strings.TrimSpace(request.Author), MaxAuthorLength)
	if author == "" {
		author = defaultAuthor
	}

	var styleHint *string
	if trimmed := strings.TrimSpace(request.StyleHint); trimmed != "" {
		if len(trimmed) < MinStyleHintLength {
			return "", ErrStyleHintTooShort
		}
		styleHint = &trimmed
	}

	x, y := 0.5, 0.5
	if request.X != nil && request.Y != nil {
		x, y = ClampPosition(*request.X, *request.Y)
	}

	// The capacity check and the slot acquisition are one critical section:
	// two submissions must not both observe spare capacity.
	if !s.tryAcquireSlot() {
		return "", ErrOverloaded
	}

	pieceID, err := s.idProvider.NewID()
	if err != nil {
		s.ReleaseSlot()
		s.logError(opSubmit, "id_generation_failed", err)
		return "", newServiceError(opSubmit, "id_generation_failed", err)
	}

	piece := Piece{
		ID:        pieceID,
		Author:    author,
		Text:      text,
		Status:    PieceStatusGenerating,
		StyleHint: styleHint,
		X:         x,
		Y:         y,
		CreatedAt: s.clock().UTC(),
	}

	var state State
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&piece).Error; err != nil {
			return err
		}
		loaded, err := loadOrCreateState(tx)
		if err != nil {
			return err
		}
		loaded.PieceCount++
		if err := tx.Save(&loaded).Error; err != nil {
			return err
		}
		state = loaded
		return nil
	})
	if txErr != nil {
		s.ReleaseSlot()
		s.logError(opSubmit, "piece_insert_failed", txErr, zap.String("piece_id", pieceID))
		return "", newServiceError(opSubmit, "piece_insert_failed", txErr)
	}

	s.broadcaster.Broadcast(PieceAddedEvent{
		Type:       EventPieceAdded,
		Piece:      ViewOfPiece(piece),
		PieceCount: state.PieceCount,
	})

	if err := s.queue.Enqueue(ctx, pieceID); err != nil {
		s.logError(opSubmit, "enqueue_failed", err, zap.String("piece_id", pieceID))
		s.ReleaseSlot()
		s.FailPiece(ctx, pieceID, "could not schedule generation")
	}

	return pieceID, nil
}

func (s *Service) tryAcquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending >= s.maxPendingJobs {
		return false
	}
	s.pending++
	return true
}

// ReleaseSlot frees one in-flight generation slot. Every acquired slot is
// released exactly once, whichever branch the pipeline exits through.
func (s *Service) ReleaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.pending--
	}
}

// PendingGenerations reports the number of in-flight generation jobs.
func (s *Service) PendingGenerations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// GetPiece loads one piece by identifier.
func (s *Service) GetPiece(ctx context.Context, pieceID string) (Piece, error) {
	var piece Piece
	err := s.db.WithContext(ctx).Where("id = ?", pieceID).Take(&piece).Error
	return piece, err
}

// CompletePiece records the terminal success transition for a piece and
// broadcasts the update. It reports false without error when the piece no
// longer exists or already left the generating state, which happens when a
// rotation swept the wall mid-generation and is not a failure.
func (s *Service) CompletePiece(ctx context.Context, pieceID, prompt, imageData string) (bool, error) {
	completedAt := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&Piece{}).
		Where("id = ? AND status = ?", pieceID, PieceStatusGenerating).
		Updates(map[string]any{
			"status":       PieceStatusComplete,
			"prompt":       prompt,
			"image_data":   imageData,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		s.logError(opCompletePiece, "update_failed", result.Error, zap.String("piece_id", pieceID))
		return false, newServiceError(opCompletePiece, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	// The broadcast sits outside the write: a fan-out problem must not look
	// like the database write never happened.
	s.broadcastPiece(ctx, opCompletePiece, pieceID)
	return true, nil
}

// FailPiece records the terminal failure transition for a piece and
// broadcasts the update. Its own trouble is logged, never returned, so it
// cannot mask the failure that brought the pipeline here.
func (s *Service) FailPiece(ctx context.Context, pieceID, message string) {
	detail := moderation.Truncate(message, MaxErrorLength)
	completedAt := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&Piece{}).
		Where("id = ? AND status = ?", pieceID, PieceStatusGenerating).
		Updates(map[string]any{
			"status":       PieceStatusFailed,
			"error_detail": detail,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		s.logError(opFailPiece, "update_failed", result.Error, zap.String("piece_id", pieceID))
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	s.broadcastPiece(ctx, opFailPiece, pieceID)
}

func (s *Service) broadcastPiece(ctx context.Context, operation, pieceID string) {
	piece, err := s.GetPiece(ctx, pieceID)
	if err != nil {
		s.logError(operation, "broadcast_load_failed", err, zap.String("piece_id", pieceID))
		return
	}
	s.broadcaster.Broadcast(PieceUpdatedEvent{
		Type:  EventPieceUpdated,
		Piece: ViewOfPiece(piece),
	})
}

// ListRecent returns the most recent limit pieces in chronological order.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]Piece, error) {
	var pieces []Piece
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&pieces).Error
	if err != nil {
		s.logError(opHistory, "recent_query_failed", err)
		return nil, newServiceError(opHistory, "recent_query_failed", err)
	}
	for left, right := 0, len(pieces)-1; left < right; left, right = left+1, right-1 {
		pieces[left], pieces[right] = pieces[right], pieces[left]
	}
	return pieces, nil
}

// HistoryPage returns one page of pieces in chronological order plus the
// total piece count.
func (s *Service) HistoryPage(ctx context.Context, offset, limit int) ([]Piece, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Piece{}).Count(&total).Error; err != nil {
		s.logError(opHistory, "count_failed", err)
		return nil, 0, newServiceError(opHistory, "count_failed", err)
	}
	var pieces []Piece
	err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Offset(offset).
		Limit(limit).
		Find(&pieces).Error
	if err != nil {
		s.logError(opHistory, "page_query_failed", err)
		return nil, 0, newServiceError(opHistory, "page_query_failed", err)
	}
	return pieces, total, nil
}

// GetState loads the aggregate wall state row, creating the default row on
// first access.
func (s *Service) GetState(ctx context.Context) (State, error) {
	var state State
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := loadOrCreateState(tx)
		if err != nil {
			return err
		}
		state = loaded
		return nil
	})
	if err != nil {
		s.logError(opState, "load_failed", err)
		return State{}, newServiceError(opState, "load_failed", err)
	}
	return state, nil
}

// ListArchives returns the snapshot index, newest first.
func (s *Service) ListArchives(ctx context.Context) ([]SnapshotIndex, error) {
	var entries []SnapshotIndex
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&entries).Error
	if err != nil {
		s.logError(opArchives, "index_query_failed", err)
		return nil, newServiceError(opArchives, "index_query_failed", err)
	}
	return entries, nil
}

// GetArchiveEntry loads one snapshot index row. The second result reports
// whether the entry exists.
func (s *Service) GetArchiveEntry(ctx context.Context, entryID string) (SnapshotIndex, bool, error) {
	var entry SnapshotIndex
	err := s.db.WithContext(ctx).Where("id = ?", entryID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotIndex{}, false, nil
	}
	if err != nil {
		s.logError(opArchives, "entry_query_failed", err, zap.String("entry_id", entryID))
		return SnapshotIndex{}, false, newServiceError(opArchives, "entry_query_failed", err)
	}
	return entry, true, nil
}

// StuckGeneratingIDs lists pieces still marked generating, used by the
// startup reconciliation sweep to re-schedule work lost to a restart.
func (s *Service) StuckGeneratingIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Piece{}).
		Where("status = ?", PieceStatusGenerating).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, newServiceError(opSubmit, "stuck_query_failed", err)
	}
	return ids, nil
}

// ResetResult reports what a privileged reset removed.
type ResetResult struct {
	PiecesDeleted      int64 `json:"pieces_deleted"`
	BackgroundsDeleted int64 `json:"backgrounds_deleted"`
	RateRecordsDeleted int64 `json:"rate_records_deleted"`
}

// Reset wipes the live wall: all pieces, all retained backgrounds, and all
// rate-limit records. The archive index and cold storage are left alone.
func (s *Service) Reset(ctx context.Context) (ResetResult, error) {
	var result ResetResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pieces := tx.Where("1 = 1").Delete(&Piece{})
		if pieces.Error != nil {
			return pieces.Error
		}
		result.PiecesDeleted = pieces.RowsAffected

		backgrounds := tx.Where("1 = 1").Delete(&Background{})
		if backgrounds.Error != nil {
			return backgrounds.Error
		}
		result.BackgroundsDeleted = backgrounds.RowsAffected

		rateRecords := tx.Where("1 = 1").Delete(&ratelimit.Record{})
		if rateRecords.Error != nil {
			return rateRecords.Error
		}
		result.RateRecordsDeleted = rateRecords.RowsAffected

		state, err := loadOrCreateState(tx)
		if err != nil {
			return err
		}
		state.PieceCount = 0
		state.BackgroundData = ""
		return tx.Save(&state).Error
	})
	if txErr != nil {
		s.logError(opReset, "reset_failed", txErr)
		return ResetResult{}, newServiceError(opReset, "reset_failed", txErr)
	}
	return result, nil
}

func loadOrCreateState(tx *gorm.DB) (State, error) {
	var state State
	err := tx.Where("id = ?", stateRowID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = State{ID: stateRowID}
		if err := tx.Create(&state).Error; err != nil {
			return State{}, err
		}
		return state, nil
	}
	if err != nil {
		return State{}, err
	}
	return state, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("wall service error", attrs...)
}
