package domain

import (
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser    Role = "user"
	RolePartner Role = "partner"
	RoleRoom    Role = "room"
	RoleCoach   Role = "coach"
	RoleHost    Role = "host"
	RoleSystem  Role = "system"
)

// Message is one piece of turn content. It is immutable once appended.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TurnNumber int       `json:"turn_number"`
	Timestamp  time.Time `json:"timestamp"`
	Degraded   bool      `json:"degraded,omitempty"`
}

func normalizeLabel(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return strings.Trim(s, `"'.`)
}
