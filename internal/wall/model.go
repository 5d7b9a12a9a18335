package wall

import (
	"errors"
	"time"
)

// PieceStatus enumerates the lifecycle states of a contributed piece.
type PieceStatus string

const (
	// PieceStatusGenerating marks a piece whose image is still being produced.
	PieceStatusGenerating PieceStatus = "generating"
	// PieceStatusComplete marks a piece with a rendered image attached.
	PieceStatusComplete PieceStatus = "complete"
	// PieceStatusFailed marks a piece whose generation ended in an error.
	PieceStatusFailed PieceStatus = "failed"
)

const (
	// MaxTextLength bounds the submitted fragment; longer input is truncated.
	MaxTextLength = 280
	// MaxAuthorLength bounds the display name attached to a piece.
	MaxAuthorLength = 64
	// MaxErrorLength bounds the error detail persisted on a failed piece.
	MaxErrorLength = 200
	// MinStyleHintLength is the minimum length of a style hint when one is given.
	MinStyleHintLength = 3
)

var (
	// ErrEmptyText indicates a submission with no usable text.
	ErrEmptyText = errors.New("wall: text must not be empty")
	// ErrDisallowedMarkup indicates text matching a markup or injection pattern.
	ErrDisallowedMarkup = errors.New("wall: text contains disallowed markup")
	// ErrStyleHintTooShort indicates a present but unusably short style hint.
	ErrStyleHintTooShort = errors.New("wall: style hint too short")
	// ErrRateLimited indicates the sliding-window limiter denied the submission.
	ErrRateLimited = errors.New("wall: rate limited")
	// ErrUnverified indicates the bot-verification token did not check out.
	ErrUnverified = errors.New("wall: verification failed")
	// ErrOverloaded indicates the in-flight generation cap is exhausted.
	ErrOverloaded = errors.New("wall: too many pending generations")
)

// Piece models one contributed artifact and its generation lifecycle.
type Piece struct {
	ID          string      `gorm:"column:id;primaryKey;size:190;not null"`
	Author      string      `gorm:"column:author;size:64;not null;default:''"`
	Text        string      `gorm:"column:text;type:text;not null"`
	Prompt      *string     `gorm:"column:prompt;type:text"`
	ImageData   *string     `gorm:"column:image_data;type:text"`
	Status      PieceStatus `gorm:"column:status;size:16;not null;index"`
	ErrorDetail *string     `gorm:"column:error_detail;size:200"`
	StyleHint   *string     `gorm:"column:style_hint;size:190"`
	X           float64     `gorm:"column:pos_x;not null"`
	Y           float64     `gorm:"column:pos_y;not null"`
	CreatedAt   time.Time   `gorm:"column:created_at;not null;index"`
	CompletedAt *time.Time  `gorm:"column:completed_at"`
}

// TableName provides the explicit table binding for GORM.
func (Piece) TableName() string {
	return "pieces"
}

// State is the aggregate wall view broadcast to every session.
type State struct {
	ID             int64     `gorm:"column:id;primaryKey"`
	PieceCount     int64     `gorm:"column:piece_count;not null;default:0"`
	BackgroundData string    `gorm:"column:background_data;type:text;not null;default:''"`
	Epoch          int64     `gorm:"column:epoch;not null;default:0"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (State) TableName() string {
	return "wall_state"
}

// Background is one generated backdrop, retained for a bounded history.
type Background struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	Theme     string    `gorm:"column:theme;size:190;not null"`
	ImageData string    `gorm:"column:image_data;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Background) TableName() string {
	return "backgrounds"
}

// SnapshotIndex maps an archived epoch snapshot to its cold-storage object.
// A row exists if and only if the referenced object exists.
type SnapshotIndex struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	Epoch      int64     `gorm:"column:epoch;not null"`
	PieceCount int64     `gorm:"column:piece_count;not null"`
	ObjectKey  string    `gorm:"column:object_key;size:512;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotIndex) TableName() string {
	return "snapshot_index"
}

// Snapshot is the full archived form of one epoch, stored in cold storage.
type Snapshot struct {
	Epoch          int64     `json:"epoch"`
	BackgroundData string    `json:"background_data"`
	Pieces         []Piece   `json:"pieces"`
	PieceCount     int       `json:"piece_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// ClampPosition forces a coordinate pair into the unit square. NaN or
// otherwise unusable values default to the wall center.
func ClampPosition(x, y float64) (float64, float64) {
	return clampUnit(x), clampUnit(y)
}

func clampUnit(v float64) float64 {
	if v != v { // NaN
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
