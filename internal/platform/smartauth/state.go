package smartauth

import (
	"sync"
	"time"
)

// FlowStep is one state in the authorization attempt state machine (spec
// state machine): START -> AUTH_REQUESTED -> AUTHENTICATED ->
// [PATIENT_PICKED] -> CONSENT_PENDING -> CONSENT_GRANTED -> CODE_ISSUED ->
// TOKEN_ISSUED, with DENIED/CANCELLED/ERROR reachable from any step.
type FlowStep string

const (
	StepStart          FlowStep = "START"
	StepAuthRequested  FlowStep = "AUTH_REQUESTED"
	StepAuthenticated  FlowStep = "AUTHENTICATED"
	StepPatientPicked  FlowStep = "PATIENT_PICKED"
	StepConsentPending FlowStep = "CONSENT_PENDING"
	StepConsentGranted FlowStep = "CONSENT_GRANTED"
	StepCodeIssued     FlowStep = "CODE_ISSUED"
	StepTokenIssued    FlowStep = "TOKEN_ISSUED"
	StepDenied         FlowStep = "DENIED"
	StepCancelled      FlowStep = "CANCELLED"
	StepError          FlowStep = "ERROR"
)

// SessionCookieName is the cookie carrying the flow id across the
// login/picker/consent redirects. It never crosses to the token endpoint.
const SessionCookieName = "smart_flow"

// Flow tracks one in-flight authorization attempt. The original
// AuthorizationRequest is retained verbatim across every step (design
// decision 5: "the request cache must not strip it when read") so the
// consent step can reconstruct the code without the client resubmitting
// PKCE parameters.
type Flow struct {
	ID          string
	Step        FlowStep
	Request     *AuthorizationRequest
	UserID      string
	PractitionerRequiresPicker bool
	ConsentToken string
	CreatedAt   time.Time
}

// FlowStore is the session-scoped request cache plus consent-state service
// (design decisions 2 and 5): it is what lets the authentication-success
// handler redirect back to /oauth2/authorize (decision 1) and still resolve
// to the same in-flight request, and it is what lets the consent POST be
// recognized as a consent response via its ConsentToken rather than being
// mistaken for a fresh authorization request (decision 2/3).
type FlowStore struct {
	mu    sync.Mutex
	flows map[string]*Flow
	ttl   time.Duration
}

func NewFlowStore(ttl time.Duration) *FlowStore {
	return &FlowStore{flows: make(map[string]*Flow), ttl: ttl}
}

func (s *FlowStore) Start(id string, req *AuthorizationRequest) *Flow {
	f := &Flow{ID: id, Step: StepAuthRequested, Request: req, CreatedAt: time.Now()}
	s.mu.Lock()
	s.flows[id] = f
	s.mu.Unlock()
	return f
}

// Get retrieves a flow by id without mutating it or stripping its request.
func (s *FlowStore) Get(id string) (*Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok || time.Since(f.CreatedAt) > s.ttl {
		return nil, false
	}
	return f, true
}

// ByConsentToken resolves a flow from the token minted for its consent
// form, so a consent POST is matched to its flow independently of any
// response_type/code_challenge fields that a fresh authorize request would
// carry (decision 3).
func (s *FlowStore) ByConsentToken(token string) (*Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flows {
		if f.ConsentToken == token && time.Since(f.CreatedAt) <= s.ttl {
			return f, true
		}
	}
	return nil, false
}

func (s *FlowStore) Advance(id string, step FlowStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[id]; ok {
		f.Step = step
	}
}

func (s *FlowStore) SetUser(id, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[id]; ok {
		f.UserID = userID
	}
}

func (s *FlowStore) SetConsentToken(id, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[id]; ok {
		f.ConsentToken = token
	}
}

func (s *FlowStore) Finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
}

// Cleanup drops flows that never reached a terminal state before ttl.
func (s *FlowStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.flows {
		if time.Since(f.CreatedAt) > s.ttl {
			delete(s.flows, id)
		}
	}
}
