package domain

import "time"

type PresenceStatus string

const (
	PresenceStatusActive PresenceStatus = "active"
	PresenceStatusIdle   PresenceStatus = "idle"
	PresenceStatusAway   PresenceStatus = "away"
)

// Palette holds the cursor colors handed out to participants. The k-th
// distinct joiner of a session gets Palette[k % len(Palette)] regardless of
// who left in between.
var Palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// PaletteColor maps a join ordinal onto the fixed palette.
func PaletteColor(ordinal int) string {
	if ordinal < 0 {
		ordinal = 0
	}
	return Palette[ordinal%len(Palette)]
}

// Cursor is a position inside the artifact a participant is viewing. Either
// the x/y pair or the line/column pair is populated depending on the surface.
type Cursor struct {
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Line   int     `json:"line,omitempty"`
	Column int     `json:"column,omitempty"`
}

// PresenceRecord is the live state of one participant in a session.
type PresenceRecord struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Email       string         `json:"email,omitempty"`
	Color       string         `json:"color"`
	Cursor      *Cursor        `json:"cursor,omitempty"`
	CurrentFile string         `json:"current_file,omitempty"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"last_seen"`
}

// NewPresenceRecord creates an active presence for a user joining a session.
func NewPresenceRecord(user User, color string, now time.Time) *PresenceRecord {
	return &PresenceRecord{
		UserID:      user.ID,
		DisplayName: user.Name,
		Email:       user.Email,
		Color:       color,
		Status:      PresenceStatusActive,
		LastSeen:    now,
	}
}
