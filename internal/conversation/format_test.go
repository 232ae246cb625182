package conversation

import (
	"testing"

	"captn/internal/apperr"
	"captn/internal/storage"
)

func TestFormatPreservesOrder(t *testing.T) {
	teamID := int64(5)
	turns := []storage.Turn{
		{ID: 1, ChatID: 42, Role: storage.RoleAssistant, Message: storage.Greeting},
		{ID: 2, ChatID: 42, Role: storage.RoleUser, Message: "What's my budget?", TeamID: &teamID, TeamStatus: "inprogress"},
		{ID: 3, ChatID: 42, Role: storage.RoleAssistant, Message: "Your budget is $500"},
	}

	got := Format(turns)
	if len(got) != len(turns) {
		t.Fatalf("expected %d messages, got %d", len(turns), len(got))
	}
	for i, m := range got {
		if m.Role != turns[i].Role || m.Content != turns[i].Message {
			t.Fatalf("message %d: got %+v", i, m)
		}
	}
}

func TestFormatEmpty(t *testing.T) {
	got := Format(nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" User "); err != nil || r != RoleUser {
		t.Fatalf("expected user role, got %q err=%v", r, err)
	}
	if r, err := ParseRole("assistant"); err != nil || r != RoleAssistant {
		t.Fatalf("expected assistant role, got %q err=%v", r, err)
	}
	if _, err := ParseRole("system"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
}
