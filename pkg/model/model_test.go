package model

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want error
	}{
		{"simple", "alice", nil},
		{"mixed charset", "Op_1.room:eu-west", nil},
		{"max length", strings.Repeat("a", MaxIDLength), nil},
		{"empty", "", ErrIDEmpty},
		{"too long", strings.Repeat("a", MaxIDLength+1), ErrIDTooLong},
		{"space", "bad id", ErrIDInvalidChars},
		{"slash", "op/user", ErrIDInvalidChars},
		{"unicode", "café", ErrIDInvalidChars},
		{"newline", "a\nb", ErrIDInvalidChars},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateID(tt.id); !errors.Is(err, tt.want) {
				t.Errorf("ValidateID(%q) = %v, want %v", tt.id, err, tt.want)
			}
		})
	}
}

func TestRoleString(t *testing.T) {
	tests := []struct {
		role Role
		want string
	}{
		{RoleUserEdge, "user-edge"},
		{RoleVoiceServer, "voice-server"},
		{RoleOperator, "operator"},
		{Role(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.role.String(); got != tt.want {
			t.Errorf("Role(%d).String() = %q, want %q", tt.role, got, tt.want)
		}
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleUserEdge, RoleVoiceServer, RoleOperator} {
		if !r.Valid() {
			t.Errorf("Role %v should be valid", r)
		}
	}
	if Role(-1).Valid() || Role(3).Valid() {
		t.Error("out-of-range roles should be invalid")
	}
}
