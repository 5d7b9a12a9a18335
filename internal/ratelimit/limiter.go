package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("ratelimit: database handle is required")
	errInvalidWindow   = errors.New("ratelimit: window must be positive")
)

// Record holds the admission timestamps for one scope inside the sliding window.
// Timestamps are serialized as a JSON array of unix milliseconds.
type Record struct {
	ScopeKey   string    `gorm:"column:scope_key;primaryKey;size:190;not null"`
	Timestamps string    `gorm:"column:timestamps;type:text;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "rate_limits"
}

// Decision reports the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// LimiterConfig bundles dependencies for the sliding-window limiter.
type LimiterConfig struct {
	Database *gorm.DB
	Window   time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Limiter implements store-backed sliding-window admission control.
//
// The limiter fails open: storage or decoding trouble is logged and the
// request is admitted, so a broken guard rail never turns into an outage.
type Limiter struct {
	db     *gorm.DB
	window time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewLimiter constructs a limiter with validated configuration.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Window <= 0 {
		return nil, errInvalidWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		db:     cfg.Database,
		window: cfg.Window,
		clock:  clock,
		logger: logger,
	}, nil
}

// Check admits or denies one request for the given scope against limit.
func (l *Limiter) Check(ctx context.Context, scopeKey string, limit int) Decision {
	now := l.clock().UTC()
	cutoff := now.Add(-l.window)

	var record Record
	found := true
	err := l.db.WithContext(ctx).Where("scope_key = ?", scopeKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		found = false
	} else if err != nil {
		l.logger.Error("rate limit record load failed, admitting",
			zap.String("scope", scopeKey), zap.Error(err))
		return Decision{Allowed: true}
	}

	var stamps []int64
	if found {
		if err := json.Unmarshal([]byte(record.Timestamps), &stamps); err != nil {
			// Corrupt payload: discard the record and start fresh rather
			// than denying anyone over our own bookkeeping.
			l.logger.Warn("discarding corrupt rate limit record",
				zap.String("scope", scopeKey), zap.Error(err))
			if delErr := l.db.WithContext(ctx).Delete(&Record{ScopeKey: scopeKey}).Error; delErr != nil {
				l.logger.Error("corrupt rate limit record delete failed",
					zap.String("scope", scopeKey), zap.Error(delErr))
			}
			stamps = nil
			found = false
		}
	}

	pruned := stamps[:0]
	for _, ms := range stamps {
		if time.UnixMilli(ms).After(cutoff) {
			pruned = append(pruned, ms)
		}
	}

	if len(pruned) >= limit {
		retryAfter := l.retryAfter(pruned, now)
		if err := l.persist(ctx, scopeKey, pruned, found); err != nil {
			l.logger.Error("rate limit record persist failed, admitting",
				zap.String("scope", scopeKey), zap.Error(err))
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	pruned = append(pruned, now.UnixMilli())
	if err := l.persist(ctx, scopeKey, pruned, found); err != nil {
		l.logger.Error("rate limit record persist failed, admitting",
			zap.String("scope", scopeKey), zap.Error(err))
	}
	return Decision{Allowed: true}
}

// retryAfter derives the wait until the oldest surviving admission leaves the window.
func (l *Limiter) retryAfter(stamps []int64, now time.Time) time.Duration {
	if len(stamps) == 0 {
		return l.window
	}
	oldest := stamps[0]
	for _, ms := range stamps[1:] {
		if ms < oldest {
			oldest = ms
		}
	}
	wait := time.UnixMilli(oldest).Add(l.window).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (l *Limiter) persist(ctx context.Context, scopeKey string, stamps []int64, existed bool) error {
	if len(stamps) == 0 {
		// Cleanup piggybacks on access: an emptied record is removed
		// instead of waiting for a janitor that does not exist.
		if !existed {
			return nil
		}
		return l.db.WithContext(ctx).Delete(&Record{ScopeKey: scopeKey}).Error
	}
	payload, err := json.Marshal(stamps)
	if err != nil {
		return fmt.Errorf("encode timestamps: %w", err)
	}
	record := Record{ScopeKey: scopeKey, Timestamps: string(payload)}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamps", "updated_at"}),
	}).Create(&record).Error
}
