// Package conversation turns stored chat turns into completion messages.
package conversation

import (
	"strings"

	"captn/internal/apperr"
	"captn/internal/providers"
	"captn/internal/storage"
)

// Role is the closed set of speakers a turn may have.
type Role string

const (
	RoleUser      Role = storage.RoleUser
	RoleAssistant Role = storage.RoleAssistant
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", apperr.Validation("unknown turn role %q", s)
	}
}

// Format keeps order and length and drops everything but role and text.
// Known roles are normalised; anything else passes through unchanged.
func Format(turns []storage.Turn) []providers.Message {
	out := make([]providers.Message, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if r, err := ParseRole(t.Role); err == nil {
			role = string(r)
		}
		out = append(out, providers.Message{Role: role, Content: t.Message})
	}
	return out
}
