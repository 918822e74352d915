package smartauth

import (
	"sync"
	"time"
)

// PatientContextStore is the decorator prescribed by the design notes:
// "carry the patient id via a decorator around the authorization-record
// store... decorate the store, not the request converter, and never depend
// on session cookies at the token endpoint." It sits between the picker
// (which knows the session-selected patient id) and the authorization
// record save call, and is consulted again — by attribute, not by session —
// when the token is minted.
type PatientContextStore struct {
	mu      sync.Mutex
	pending map[string]pendingContext // sessionID -> selection
}

type pendingContext struct {
	PatientID string
	ExpiresAt time.Time
}

func NewPatientContextStore() *PatientContextStore {
	return &PatientContextStore{pending: make(map[string]pendingContext)}
}

// Save records the picker's patient selection against a session id, ahead
// of the authorization record being persisted. TTL bounds how long a
// selection outlives an abandoned flow.
func (s *PatientContextStore) Save(sessionID, patientID string, ttl time.Duration) {
	if sessionID == "" || patientID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sessionID] = pendingContext{PatientID: patientID, ExpiresAt: time.Now().Add(ttl)}
}

// Get returns the pending patient selection for a session without
// consuming it, used by the consent page to render the chosen patient.
func (s *PatientContextStore) Get(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pending[sessionID]
	if !ok || time.Now().After(c.ExpiresAt) {
		return "", false
	}
	return c.PatientID, true
}

// Consume returns and removes the pending patient selection. Called exactly
// once, when the authorization record is saved at code issuance — after
// this point the token endpoint reads the patient id from the persisted
// AuthorizationCode.PatientID attribute, never from the session, since the
// token request arrives from a different HTTP client with no session
// cookie.
func (s *PatientContextStore) Consume(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pending[sessionID]
	delete(s.pending, sessionID)
	if !ok || time.Now().After(c.ExpiresAt) {
		return "", false
	}
	return c.PatientID, true
}
