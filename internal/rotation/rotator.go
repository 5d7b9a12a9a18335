package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptwall/backend/internal/archive"
	"github.com/promptwall/backend/internal/wall"
)

const stateRowID = 1

// backgroundThemes cycle with the epoch counter so every rotation gets a
// fresh but reproducible backdrop theme.
var backgroundThemes = []string{
	"aurora over a quiet sea",
	"paper lanterns drifting at dusk",
	"terraced gardens in morning mist",
	"constellations over desert dunes",
	"bioluminescent tide pools",
	"autumn canopy from below",
	"snowfall over rooftops at night",
	"wildflower meadow after rain",
}

var (
	errMissingDatabase    = errors.New("rotation: database handle is required")
	errMissingWallService = errors.New("rotation: wall service is required")
	errMissingSynthesizer = errors.New("rotation: synthesizer is required")
	errMissingIDProvider  = errors.New("rotation: id provider is required")
	errMissingBroadcaster = errors.New("rotation: broadcaster is required")
)

// Synthesizer renders a background image for a theme prompt.
type Synthesizer interface {
	SynthesizeImage(ctx context.Context, prompt string) (string, error)
}

// ColdStorage persists and compensates epoch snapshots.
type ColdStorage interface {
	PutSnapshot(ctx context.Context, objectKey string, snapshot wall.Snapshot) error
	RemoveSnapshot(ctx context.Context, objectKey string) error
}

// RotatorConfig bundles dependencies for the epoch rotator.
type RotatorConfig struct {
	Database    *gorm.DB
	Wall        *wall.Service
	Synthesizer Synthesizer
	Cold        ColdStorage
	Broadcaster wall.Broadcaster
	IDProvider  wall.IDProvider
	Interval    time.Duration
	Retention   int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Rotator drives the periodic epoch reset: new background, best-effort
// archival of the finished epoch, wall clear, broadcast, and backdrop
// retention pruning.
type Rotator struct {
	db          *gorm.DB
	wall        *wall.Service
	synthesizer Synthesizer
	cold        ColdStorage
	broadcaster wall.Broadcaster
	idProvider  wall.IDProvider
	interval    time.Duration
	retention   int
	clock       func() time.Time
	logger      *zap.Logger
	kick        chan struct{}
}

// NewRotator constructs a rotator with validated configuration. Cold storage
// is optional; without it rotation still runs and archival is skipped.
func NewRotator(cfg RotatorConfig) (*Rotator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Wall == nil {
		return nil, errMissingWallService
	}
	if cfg.Synthesizer == nil {
		return nil, errMissingSynthesizer
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 12
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{
		db:          cfg.Database,
		wall:        cfg.Wall,
		synthesizer: cfg.Synthesizer,
		cold:        cfg.Cold,
		broadcaster: cfg.Broadcaster,
		idProvider:  cfg.IDProvider,
		interval:    interval,
		retention:   retention,
		clock:       clock,
		logger:      logger,
		kick:        make(chan struct{}, 1),
	}, nil
}

// Run drives the rotation timer until ctx is done. When the wall has no
// background yet, one rotation runs immediately at startup.
func (r *Rotator) Run(ctx context.Context) {
	state, err := r.wall.GetState(ctx)
	if err != nil {
		r.logger.Error("initial state load failed", zap.Error(err))
	} else if state.BackgroundData == "" {
		if err := r.RotateOnce(ctx); err != nil {
			r.logger.Error("startup rotation failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.RotateOnce(ctx); err != nil {
			r.logger.Error("rotation failed", zap.Error(err))
		}
	}
}

// Kick requests an out-of-band rotation on the running loop.
func (r *Rotator) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// RotateOnce runs one full rotation. Background synthesis failure
// short-circuits the whole rotation: the wall is never cleared without a
// fresh background in place. Archival failure never blocks the clear.
func (r *Rotator) RotateOnce(ctx context.Context) error {
	previous, err := r.wall.GetState(ctx)
	if err != nil {
		return fmt.Errorf("rotation: load state: %w", err)
	}

	theme := backgroundThemes[int(previous.Epoch)%len(backgroundThemes)]
	backgroundData, err := r.synthesizer.SynthesizeImage(ctx, backgroundPrompt(theme))
	if err != nil {
		return fmt.Errorf("rotation: background synthesis: %w", err)
	}

	backgroundID, err := r.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("rotation: background id: %w", err)
	}
	now := r.clock().UTC()
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		background := wall.Background{
			ID:        backgroundID,
			Theme:     theme,
			ImageData: backgroundData,
			CreatedAt: now,
		}
		if err := tx.Create(&background).Error; err != nil {
			return err
		}
		return tx.Model(&wall.State{}).Where("id = ?", stateRowID).
			Updates(map[string]any{
				"background_data": backgroundData,
				"epoch":           gorm.Expr("epoch + 1"),
			}).Error
	})
	if txErr != nil {
		return fmt.Errorf("rotation: persist background: %w", txErr)
	}

	if r.archiveEpoch(ctx, previous, now) {
		r.broadcastArchives(ctx)
	}

	var cleared wall.State
	txErr = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&wall.Piece{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&wall.State{}).Where("id = ?", stateRowID).
			Update("piece_count", 0).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", stateRowID).Take(&cleared).Error
	})
	if txErr != nil {
		return fmt.Errorf("rotation: clear wall: %w", txErr)
	}

	r.broadcaster.Broadcast(wall.RotatedEvent{
		Type:  wall.EventWallRotated,
		State: wall.ViewOfState(cleared),
	})

	r.pruneBackgrounds(ctx)
	return nil
}

// archiveEpoch snapshots the finished epoch to cold storage and indexes it.
// Best effort: every failure is logged and rotation continues. The index row
// is written only after the object, and the object is deleted again when the
// index write fails, so no index row ever references a missing object.
func (r *Rotator) archiveEpoch(ctx context.Context, previous wall.State, now time.Time) bool {
	if r.cold == nil {
		return false
	}

	var pieces []wall.Piece
	err := r.db.WithContext(ctx).
		Where("status = ? AND image_data IS NOT NULL", wall.PieceStatusComplete).
		Order("created_at ASC").
		Find(&pieces).Error
	if err != nil {
		r.logger.Error("archive piece query failed", zap.Error(err))
		return false
	}
	if len(pieces) == 0 {
		return false
	}

	snapshotID, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("archive id generation failed", zap.Error(err))
		return false
	}
	objectKey := archive.SnapshotKey(previous.Epoch, snapshotID, now)
	snapshot := wall.Snapshot{
		Epoch:          previous.Epoch,
		BackgroundData: previous.BackgroundData,
		Pieces:         pieces,
		PieceCount:     len(pieces),
		CreatedAt:      now,
	}
	if err := r.cold.PutSnapshot(ctx, objectKey, snapshot); err != nil {
		r.logger.Error("snapshot write failed", zap.Error(err))
		return false
	}

	entry := wall.SnapshotIndex{
		ID:         snapshotID,
		Epoch:      previous.Epoch,
		PieceCount: int64(len(pieces)),
		ObjectKey:  objectKey,
		CreatedAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Error("snapshot index write failed, compensating",
			zap.String("object_key", objectKey), zap.Error(err))
		if removeErr := r.cold.RemoveSnapshot(ctx, objectKey); removeErr != nil {
			r.logger.Error("snapshot compensation delete failed",
				zap.String("object_key", objectKey), zap.Error(removeErr))
		}
		return false
	}

	r.logger.Info("epoch archived",
		zap.Int64("epoch", previous.Epoch),
		zap.Int("pieces", len(pieces)),
		zap.String("object_key", objectKey))
	return true
}

func (r *Rotator) broadcastArchives(ctx context.Context) {
	entries, err := r.wall.ListArchives(ctx)
	if err != nil {
		r.logger.Error("archive index load failed", zap.Error(err))
		return
	}
	views := make([]wall.ArchiveEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, wall.ViewOfArchiveEntry(entry))
	}
	r.broadcaster.Broadcast(wall.HistoryUpdatedEvent{
		Type:     wall.EventWallHistoryUpdated,
		Archives: views,
	})
}

func (r *Rotator) pruneBackgrounds(ctx context.Context) {
	var stale []wall.Background
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset(r.retention).
		Limit(1000).
		Find(&stale).Error
	if err != nil {
		r.logger.Error("background prune query failed", zap.Error(err))
		return
	}
	for _, background := range stale {
		if err := r.db.WithContext(ctx).Delete(&wall.Background{}, "id = ?", background.ID).Error; err != nil {
			r.logger.Error("background prune delete failed",
				zap.String("background_id", background.ID), zap.Error(err))
		}
	}
}

func backgroundPrompt(theme string) string {
	return fmt.Sprintf("A soft, atmospheric mural backdrop of %s, muted colors, "+
		"gentle gradients, no text, no people in focus", theme)
}
