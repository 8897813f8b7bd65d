// Package model defines the core domain types for Sonar.
package model

import (
	"errors"
	"regexp"
)

// ProtocolVersion is the control protocol version announced at registration.
const ProtocolVersion = "1"

// Role identifies what kind of peer a registered connection represents.
type Role int

const (
	RoleUserEdge    Role = iota // end-user connection routed to a voice server
	RoleVoiceServer             // voice server announcing capacity
	RoleOperator                // administrative tenant connection
)

func (r Role) String() string {
	switch r {
	case RoleUserEdge:
		return "user-edge"
	case RoleVoiceServer:
		return "voice-server"
	case RoleOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// Valid reports whether r is a defined role.
func (r Role) Valid() bool {
	return r >= RoleUserEdge && r <= RoleOperator
}

// VoiceServer is the registration record a voice server announces.
// The directory is the authoritative owner of the current client count.
type VoiceServer struct {
	UUID            string
	Address         string // host:port of the voice (UDP) endpoint
	VoipPort        uint16
	ProtocolVersion string
	MaxClients      int
	Location        string // optional placement affinity hint
}

// OnlineStatus is one entry of a GetUsersOnlineStatus result.
type OnlineStatus struct {
	UserID string
	Online bool
	Extra  string // connection id when online, empty otherwise
}

// Identifier validation shared by directory and RPC argument checks.
var (
	ErrIDEmpty        = errors.New("model: identifier is empty")
	ErrIDTooLong      = errors.New("model: identifier too long")
	ErrIDInvalidChars = errors.New("model: identifier contains invalid characters")
)

// MaxIDLength is the maximum length of operator, user, and channel ids.
const MaxIDLength = 64

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidateID checks an operator, user, or channel identifier.
func ValidateID(id string) error {
	if id == "" {
		return ErrIDEmpty
	}
	if len(id) > MaxIDLength {
		return ErrIDTooLong
	}
	if !idPattern.MatchString(id) {
		return ErrIDInvalidChars
	}
	return nil
}
