package wall

// Event type discriminators carried in the "type" field of every structured
// message pushed over a session channel.
const (
	EventWallHistory        = "wall_history"
	EventPieceAdded         = "piece_added"
	EventPieceUpdated       = "piece_updated"
	EventCursorUpdate       = "cursor_update"
	EventWallRotated        = "wall_rotated"
	EventWallHistoryUpdated = "wall_history_updated"
)

// PieceView is the wire representation of a piece.
type PieceView struct {
	ID          string   `json:"id"`
	Author      string   `json:"author"`
	Text        string   `json:"text"`
	Prompt      *string  `json:"prompt"`
	ImageData   *string  `json:"image_data"`
	Status      string   `json:"status"`
	ErrorDetail *string  `json:"error_detail"`
	StyleHint   *string  `json:"style_hint"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	CreatedAt   int64    `json:"created_at_s"`
	CompletedAt *int64   `json:"completed_at_s"`
}

// StateView is the wire representation of the aggregate wall state.
type StateView struct {
	PieceCount     int64  `json:"piece_count"`
	BackgroundData string `json:"background_data"`
	Epoch          int64  `json:"epoch"`
}

// HistoryEvent is the initial snapshot sent to a freshly connected session.
type HistoryEvent struct {
	Type          string      `json:"type"`
	Pieces        []PieceView `json:"pieces"`
	State         StateView   `json:"state"`
	VerifySiteKey string      `json:"verify_site_key"`
}

// PieceAddedEvent announces a newly admitted piece.
type PieceAddedEvent struct {
	Type       string    `json:"type"`
	Piece      PieceView `json:"piece"`
	PieceCount int64     `json:"piece_count"`
}

// PieceUpdatedEvent announces a terminal transition on a piece.
type PieceUpdatedEvent struct {
	Type  string    `json:"type"`
	Piece PieceView `json:"piece"`
}

// CursorView is one live cursor inside a cursor aggregate.
type CursorView struct {
	SessionID string  `json:"session_id"`
	Name      string  `json:"name"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// CursorUpdateEvent carries the periodic cursor aggregate.
type CursorUpdateEvent struct {
	Type    string       `json:"type"`
	Cursors []CursorView `json:"cursors"`
}

// RotatedEvent announces a fresh epoch and the reset wall state.
type RotatedEvent struct {
	Type  string    `json:"type"`
	State StateView `json:"state"`
}

// ArchiveEntryView is the wire representation of one snapshot index row.
type ArchiveEntryView struct {
	ID         string `json:"id"`
	Epoch      int64  `json:"epoch"`
	PieceCount int64  `json:"piece_count"`
	CreatedAt  int64  `json:"created_at_s"`
}

// HistoryUpdatedEvent announces a change to the archive index.
type HistoryUpdatedEvent struct {
	Type     string             `json:"type"`
	Archives []ArchiveEntryView `json:"archives"`
}

// Broadcaster fans a structured event out to every live session.
type Broadcaster interface {
	Broadcast(event any)
}

// ViewOfPiece converts a stored piece into its wire representation.
func ViewOfPiece(piece Piece) PieceView {
	view := PieceView{
		ID:          piece.ID,
		Author:      piece.Author,
		Text:        piece.Text,
		Prompt:      piece.Prompt,
		ImageData:   piece.ImageData,
		Status:      string(piece.Status),
		ErrorDetail: piece.ErrorDetail,
		StyleHint:   piece.StyleHint,
		X:           piece.X,
		Y:           piece.Y,
		CreatedAt:   piece.CreatedAt.Unix(),
	}
	if piece.CompletedAt != nil {
		completed := piece.CompletedAt.Unix()
		view.CompletedAt = &completed
	}
	return view
}

// ViewOfState converts the stored aggregate row into its wire representation.
func ViewOfState(state State) StateView {
	return StateView{
		PieceCount:     state.PieceCount,
		BackgroundData: state.BackgroundData,
		Epoch:          state.Epoch,
	}
}

// ViewOfArchiveEntry converts a snapshot index row into its wire representation.
func ViewOfArchiveEntry(entry SnapshotIndex) ArchiveEntryView {
	return ArchiveEntryView{
		ID:         entry.ID,
		Epoch:      entry.Epoch,
		PieceCount: entry.PieceCount,
		CreatedAt:  entry.CreatedAt.Unix(),
	}
}
