// Package session issues and resets the client-visible session identifiers
// that key conversation transcripts.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ClientState is the client-side ephemeral state that carries the session id
// between requests (a cookie, a request body field, ...).
type ClientState interface {
	SessionID() (string, bool)
	SetSessionID(id string)
}

// Manager creates and resets session identifiers.
type Manager struct {
	newID func() (uuid.UUID, error)
}

// NewManager returns a Manager that issues random (version 4) UUIDs.
func NewManager() *Manager {
	return &Manager{newID: uuid.NewRandom}
}

// GetOrCreate returns the identifier already held by state. When state holds
// none, a fresh identifier is generated and stored into state.
func (m *Manager) GetOrCreate(state ClientState) (string, error) {
	if state == nil {
		return "", errors.New("session: client state must not be nil")
	}
	if id, ok := state.SessionID(); ok && strings.TrimSpace(id) != "" {
		return id, nil
	}
	id, err := m.generate("")
	if err != nil {
		return "", err
	}
	state.SetSessionID(id)
	return id, nil
}

// Reset discards any identifier held by state and stores a new one. The new
// identifier always differs from the previous one. The previous transcript is
// left in storage untouched.
func (m *Manager) Reset(state ClientState) (string, error) {
	if state == nil {
		return "", errors.New("session: client state must not be nil")
	}
	prev, _ := state.SessionID()
	id, err := m.generate(prev)
	if err != nil {
		return "", err
	}
	state.SetSessionID(id)
	return id, nil
}

func (m *Manager) generate(prev string) (string, error) {
	// A repeat of prev is astronomically unlikely; retry once rather than
	// hand back an unchanged identity from Reset.
	for i := 0; i < 2; i++ {
		u, err := m.newID()
		if err != nil {
			return "", fmt.Errorf("session: generate id: %w", err)
		}
		if id := u.String(); id != prev {
			return id, nil
		}
	}
	return "", errors.New("session: generator repeated the previous id")
}

// Static is an in-memory ClientState.
type Static struct {
	ID string
}

func (s *Static) SessionID() (string, bool) {
	return s.ID, s.ID != ""
}

func (s *Static) SetSessionID(id string) {
	s.ID = id
}
