package smartauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/smartauth/keys"
)

// ---------------------------------------------------------------------------
// Data Structures
// ---------------------------------------------------------------------------

// SMARTClient represents a registered SMART on FHIR application.
type SMARTClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope"`
	Name         string   `json:"client_name"`
	LaunchURL    string   `json:"launch_url,omitempty"`
	IsPublic     bool     `json:"is_public"`
}

// AuthorizationCode is a short-lived code exchanged for tokens. It is the
// Authorization Record's redeemable form (spec §3): the PatientContextStore
// decorator writes PatientID here at save time, and the token minter reads
// it back from here, never from the session.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	ExpiresAt           time.Time
	PatientID           string
	EncounterID         string
	UserID              string
	FHIRUser            string
	CodeChallenge       string
	CodeChallengeMethod string
}

// SMARTLaunchContext holds EHR launch context data for the SMART authorization
// server.
type SMARTLaunchContext struct {
	ID          string
	PatientID   string
	EncounterID string
	UserID      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// TokenResponse is the OAuth2 token response with SMART extensions.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Encounter    string `json:"encounter,omitempty"`
	FHIRUser     string `json:"fhirUser,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// RefreshTokenData holds the data associated with a refresh token.
type RefreshTokenData struct {
	Token       string
	ClientID    string
	Scope       string
	PatientID   string
	EncounterID string
	UserID      string
	FHIRUser    string
	ExpiresAt   time.Time
}

// AuthorizationRequest represents the OAuth2 authorization request parameters.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Aud                 string
	Launch              string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenRequest represents the OAuth2 token exchange request parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// TokenClaims represents the claims extracted from an introspected token.
type TokenClaims struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	TokenID   string `json:"jti,omitempty"`
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
}

// smartUser is a minimal user record (spec §3 User) sufficient to drive the
// login step and the fhirUser claim; a real deployment overlays this table
// with the store-backed identity the rest of the platform uses.
type smartUser struct {
	Username     string
	PasswordHash string
	Role         string // admin, developer, practitioner, patient, smart_user
	FHIRUser     string // e.g. "Practitioner/p1" or "Patient/example"
}

// PatientLister supplies the candidate patients shown on the picker page.
// Kept as an injected function rather than a direct fhirengine dependency so
// the authorization server package does not import the resource engine.
type PatientLister func(ctx context.Context) ([]PickerPatient, error)

// ---------------------------------------------------------------------------
// SMARTServer
// ---------------------------------------------------------------------------

// SMARTServer implements the SMART on FHIR authorization server: OAuth2
// authorization-code + PKCE, plus client-credentials for an admin client.
type SMARTServer struct {
	mu             sync.RWMutex
	clients        map[string]*SMARTClient
	authCodes      map[string]*AuthorizationCode
	launchContexts map[string]*SMARTLaunchContext
	refreshTokens  map[string]*RefreshTokenData
	users          map[string]*smartUser

	signingKey *keys.SigningKey
	issuer     string

	flows      *FlowStore
	patientCtx *PatientContextStore
	revoked    *TokenRevocationStore
	patients   PatientLister
	tokenLimit *rate.Limiter

	codeExpiry    time.Duration
	tokenExpiry   time.Duration
	refreshExpiry time.Duration
}

// NewSMARTServer creates a new SMART authorization server. signingKey must
// already be loaded (keys.Holder.Load) since the JWKS `kid` needs to be
// stable before the first token is minted.
func NewSMARTServer(issuer string, signingKey *keys.SigningKey) *SMARTServer {
	return &SMARTServer{
		clients:        make(map[string]*SMARTClient),
		authCodes:      make(map[string]*AuthorizationCode),
		launchContexts: make(map[string]*SMARTLaunchContext),
		refreshTokens:  make(map[string]*RefreshTokenData),
		users:          make(map[string]*smartUser),
		signingKey:     signingKey,
		issuer:         issuer,
		flows:          NewFlowStore(10 * time.Minute),
		patientCtx:     NewPatientContextStore(),
		revoked:        NewTokenRevocationStore(),
		tokenLimit:     rate.NewLimiter(rate.Limit(20), 40),
		codeExpiry:     5 * time.Minute,
		tokenExpiry:    1 * time.Hour,
		refreshExpiry:  24 * time.Hour,
	}
}

// SetPatientLister wires the patient-picker candidate source; without it
// the picker page renders an empty list.
func (s *SMARTServer) SetPatientLister(l PatientLister) { s.patients = l }

// RevocationStore exposes the token revocation store so it can also be
// wired to the admin-facing bulk revocation API.
func (s *SMARTServer) RevocationStore() *TokenRevocationStore { return s.revoked }

// RegisterClient registers a SMART application.
func (s *SMARTServer) RegisterClient(client *SMARTClient) error {
	if client.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("client_id %q already registered", client.ClientID)
	}
	s.clients[client.ClientID] = client
	return nil
}

// RegisterUser registers a login-capable user. password is stored as a
// salted-free SHA-256 hash, matching the hashing primitive already used
// elsewhere in this package for PKCE rather than adding a new dependency.
func (s *SMARTServer) RegisterUser(username, password, role, fhirUser string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &smartUser{Username: username, PasswordHash: hashPassword(password), Role: role, FHIRUser: fhirUser}
}

func hashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}

func (s *SMARTServer) authenticate(username, password string) (*smartUser, bool) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return u, subtle.ConstantTimeCompare([]byte(u.PasswordHash), []byte(hashPassword(password))) == 1
}

// CreateLaunchContext creates a new EHR launch context.
func (s *SMARTServer) CreateLaunchContext(patientID, encounterID, userID string) (*SMARTLaunchContext, error) {
	id, err := generateRandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating launch context ID: %w", err)
	}
	now := time.Now()
	lc := &SMARTLaunchContext{ID: id, PatientID: patientID, EncounterID: encounterID, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(s.codeExpiry)}
	s.mu.Lock()
	s.launchContexts[id] = lc
	s.mu.Unlock()
	return lc, nil
}

// beginAuthorization validates the initial authorize request and starts a
// Flow, without yet issuing anything — the caller redirects to the login
// page next.
func (s *SMARTServer) beginAuthorization(req *AuthorizationRequest) (*Flow, error) {
	if req.ResponseType != "code" {
		return nil, &OAuthError{Code: "unsupported_response_type", Description: "response_type must be 'code'"}
	}
	s.mu.RLock()
	client, ok := s.clients[req.ClientID]
	s.mu.RUnlock()
	if !ok {
		return nil, &OAuthError{Code: "invalid_request", Description: "unknown client_id"}
	}
	if !isValidRedirectURI(client.RedirectURIs, req.RedirectURI) {
		return nil, &OAuthError{Code: "invalid_request", Description: "redirect_uri not registered for this client"}
	}
	if _, err := negotiateScopes(req.Scope, client.Scope); err != nil {
		return nil, &OAuthError{Code: "invalid_scope", Description: err.Error()}
	}

	flowID, err := generateRandomHex(24)
	if err != nil {
		return nil, fmt.Errorf("generating flow id: %w", err)
	}
	return s.flows.Start(flowID, req), nil
}

// requiresPicker reports whether scope + user role calls for the patient
// picker step (state machine transition to PATIENT_PICKED).
func (s *SMARTServer) requiresPicker(scope, role string) bool {
	return role == "practitioner" && containsScope(scope, "launch/patient")
}

// issueConsentToken advances a flow to CONSENT_PENDING and mints the token
// that ties a later /consent POST back to this flow (design decision 2).
func (s *SMARTServer) issueConsentToken(f *Flow) (string, error) {
	token, err := generateRandomHex(24)
	if err != nil {
		return "", err
	}
	s.flows.SetConsentToken(f.ID, token)
	s.flows.Advance(f.ID, StepConsentPending)
	return token, nil
}

// grantConsent finalizes a flow into an issued authorization code. This is
// the "save authorization" call the PatientContextStore decorates: if the
// picker recorded a patient selection for this flow, it is written into the
// code's PatientID here, before persistence, and never read from the
// session again.
func (s *SMARTServer) grantConsent(f *Flow, grantedScope string) (*AuthorizationResponse, error) {
	client, ok := s.clients[f.Request.ClientID]
	if !ok {
		return nil, &OAuthError{Code: "invalid_request", Description: "unknown client_id"}
	}
	negotiated, err := negotiateScopes(grantedScope, client.Scope)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_scope", Description: err.Error()}
	}

	code, err := generateRandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating authorization code: %w", err)
	}

	s.mu.RLock()
	user := s.users[f.UserID]
	s.mu.RUnlock()

	ac := &AuthorizationCode{
		Code:                code,
		ClientID:            f.Request.ClientID,
		RedirectURI:         f.Request.RedirectURI,
		Scope:               negotiated,
		ExpiresAt:           time.Now().Add(s.codeExpiry),
		UserID:              f.UserID,
		CodeChallenge:       f.Request.CodeChallenge,
		CodeChallengeMethod: f.Request.CodeChallengeMethod,
	}
	if user != nil {
		ac.FHIRUser = user.FHIRUser
		if user.Role == "patient" {
			// A patient-role user's own identity establishes the context
			// directly; no picker step was needed to reach here.
			ac.PatientID = strings.TrimPrefix(user.FHIRUser, "Patient/")
		}
	}

	if f.Request.Launch != "" {
		s.mu.Lock()
		lc, lcOK := s.launchContexts[f.Request.Launch]
		if lcOK {
			delete(s.launchContexts, f.Request.Launch)
		}
		s.mu.Unlock()
		if lcOK && time.Now().Before(lc.ExpiresAt) {
			if lc.PatientID != "" {
				ac.PatientID = lc.PatientID
			}
			ac.EncounterID = lc.EncounterID
		}
	}

	if patientID, ok := s.patientCtx.Consume(f.ID); ok {
		ac.PatientID = patientID
	}

	s.mu.Lock()
	s.authCodes[code] = ac
	s.mu.Unlock()

	s.flows.Advance(f.ID, StepCodeIssued)
	s.flows.Finish(f.ID)

	return &AuthorizationResponse{Code: code, RedirectURI: f.Request.RedirectURI, State: f.Request.State}, nil
}

// AuthorizationResponse is the result of a successful authorization.
type AuthorizationResponse struct {
	Code        string
	RedirectURI string
	State       string
}

// ExchangeCode exchanges an authorization code for tokens.
func (s *SMARTServer) ExchangeCode(req *TokenRequest) (*TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return nil, &OAuthError{Code: "unsupported_grant_type", Description: "grant_type must be 'authorization_code'"}
	}

	s.mu.Lock()
	ac, ok := s.authCodes[req.Code]
	if ok {
		delete(s.authCodes, req.Code)
	}
	s.mu.Unlock()

	if !ok {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid or already used authorization code"}
	}
	if time.Now().After(ac.ExpiresAt) {
		return nil, &OAuthError{Code: "invalid_grant", Description: "authorization code has expired"}
	}
	if ac.RedirectURI != req.RedirectURI {
		return nil, &OAuthError{Code: "invalid_grant", Description: "redirect_uri does not match"}
	}
	if ac.ClientID != req.ClientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match"}
	}

	s.mu.RLock()
	client, clientOK := s.clients[req.ClientID]
	s.mu.RUnlock()
	if !clientOK {
		return nil, &OAuthError{Code: "invalid_client", Description: "unknown client"}
	}

	if client.IsPublic {
		if ac.CodeChallenge == "" {
			return nil, &OAuthError{Code: "invalid_request", Description: "PKCE is required for public clients"}
		}
	} else if !timingSafeEqual(req.ClientSecret, client.ClientSecret) {
		return nil, &OAuthError{Code: "invalid_client", Description: "invalid client_secret"}
	}

	if ac.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, &OAuthError{Code: "invalid_grant", Description: "code_verifier is required"}
		}
		if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			return nil, &OAuthError{Code: "invalid_grant", Description: "PKCE verification failed"}
		}
	}

	resp, err := s.mintToken(ac.UserID, ac.Scope, ac.PatientID, ac.EncounterID, ac.FHIRUser)
	if err != nil {
		return nil, err
	}

	if containsScope(ac.Scope, "offline_access") {
		refreshToken, rtErr := generateRandomHex(32)
		if rtErr != nil {
			return nil, fmt.Errorf("generating refresh token: %w", rtErr)
		}
		s.mu.Lock()
		s.refreshTokens[refreshToken] = &RefreshTokenData{
			Token: refreshToken, ClientID: ac.ClientID, Scope: ac.Scope,
			PatientID: ac.PatientID, EncounterID: ac.EncounterID, UserID: ac.UserID, FHIRUser: ac.FHIRUser,
			ExpiresAt: time.Now().Add(s.refreshExpiry),
		}
		s.mu.Unlock()
		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (s *SMARTServer) RefreshAccessToken(refreshToken, clientID string) (*TokenResponse, error) {
	s.mu.RLock()
	rtData, ok := s.refreshTokens[refreshToken]
	s.mu.RUnlock()
	if !ok {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid refresh token"}
	}
	if time.Now().After(rtData.ExpiresAt) {
		s.mu.Lock()
		delete(s.refreshTokens, refreshToken)
		s.mu.Unlock()
		return nil, &OAuthError{Code: "invalid_grant", Description: "refresh token has expired"}
	}
	if rtData.ClientID != clientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match refresh token"}
	}

	resp, err := s.mintToken(rtData.UserID, rtData.Scope, rtData.PatientID, rtData.EncounterID, rtData.FHIRUser)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = refreshToken
	return resp, nil
}

// ClientCredentialsToken issues a token for the confidential admin client
// grant (§4.9: "plus client-credentials for an admin client"). No patient
// context ever attaches to this grant.
func (s *SMARTServer) ClientCredentialsToken(clientID, clientSecret, requestedScope string) (*TokenResponse, error) {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok || client.IsPublic {
		return nil, &OAuthError{Code: "invalid_client", Description: "unknown or public client"}
	}
	if !timingSafeEqual(clientSecret, client.ClientSecret) {
		return nil, &OAuthError{Code: "invalid_client", Description: "invalid client_secret"}
	}
	scope := requestedScope
	if scope == "" {
		scope = client.Scope
	}
	negotiated, err := negotiateScopes(scope, client.Scope)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_scope", Description: err.Error()}
	}
	return s.mintToken(clientID, negotiated, "", "", "")
}

// mintToken signs the RS256 access token and assembles the token response,
// copying `patient`/`fhirUser` to the top-level JSON per §4.10's response
// filter requirement.
func (s *SMARTServer) mintToken(subject, scope, patientID, encounterID, fhirUser string) (*TokenResponse, error) {
	now := time.Now()
	tokenID, err := generateRandomHex(16)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{
		"iss":   s.issuer,
		"sub":   subject,
		"aud":   s.issuer + "/fhir",
		"exp":   now.Add(s.tokenExpiry).Unix(),
		"iat":   now.Unix(),
		"jti":   tokenID,
		"scope": scope,
	}
	if patientID != "" {
		claims["patient"] = patientID
	}
	if encounterID != "" {
		claims["encounter"] = encounterID
	}
	if fhirUser != "" {
		claims["fhirUser"] = fhirUser
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.signingKey.KID
	accessToken, err := token.SignedString(s.signingKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokenExpiry.Seconds()),
		Scope:       scope,
		Patient:     patientID,
		Encounter:   encounterID,
		FHIRUser:    fhirUser,
	}
	if containsScope(scope, "openid") {
		resp.IDToken = accessToken
	}
	return resp, nil
}

// IntrospectToken validates and returns claims for an access token (RFC 7662).
func (s *SMARTServer) IntrospectToken(tokenStr string) (*TokenClaims, error) {
	claims, jti, err := s.parseAndVerify(tokenStr)
	if err != nil {
		return &TokenClaims{Active: false}, nil
	}
	if s.revoked.IsRevoked(jti) {
		return &TokenClaims{Active: false}, nil
	}

	exp, _ := claims["exp"].(float64)
	sub, _ := claims["sub"].(string)
	scope, _ := claims["scope"].(string)
	iat, _ := claims["iat"].(float64)
	iss, _ := claims["iss"].(string)
	patient, _ := claims["patient"].(string)
	encounter, _ := claims["encounter"].(string)
	fhirUser, _ := claims["fhirUser"].(string)

	return &TokenClaims{
		Active: true, Subject: sub, Scope: scope, ExpiresAt: int64(exp), IssuedAt: int64(iat),
		Issuer: iss, TokenID: jti, Patient: patient, Encounter: encounter, FHIRUser: fhirUser,
	}, nil
}

// RevokeToken implements RFC 7009: it invalidates the token by jti so a
// subsequent introspection reports it inactive, even though the JWT itself
// remains structurally valid until it expires.
func (s *SMARTServer) RevokeToken(tokenStr string) {
	claims, jti, err := s.parseAndVerify(tokenStr)
	if err != nil || jti == "" {
		return
	}
	exp, _ := claims["exp"].(float64)
	sub, _ := claims["sub"].(string)
	s.revoked.RevokeForUser(jti, sub, time.Unix(int64(exp), 0))
}

func (s *SMARTServer) parseAndVerify(tokenStr string) (jwt.MapClaims, string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return &s.signingKey.PrivateKey.PublicKey, nil
	})
	if err != nil {
		return nil, "", err
	}
	jti, _ := claims["jti"].(string)
	return claims, jti, nil
}

// StartCleanup starts a background goroutine to clean expired codes/contexts.
func (s *SMARTServer) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
				s.flows.Cleanup()
			}
		}
	}()
}

func (s *SMARTServer) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
		}
	}
	for id, lc := range s.launchContexts {
		if now.After(lc.ExpiresAt) {
			delete(s.launchContexts, id)
		}
	}
	for token, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, token)
		}
	}
}

// ---------------------------------------------------------------------------
// PKCE / Scope helpers
// ---------------------------------------------------------------------------

func verifyPKCE(verifier, challenge string) bool {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

var validSMARTScopes = map[string]bool{
	"openid": true, "fhirUser": true, "profile": true, "launch": true,
	"launch/patient": true, "launch/encounter": true, "offline_access": true,
}

func isValidSMARTScope(scope string) bool {
	if validSMARTScopes[scope] {
		return true
	}
	_, err := ParseSMARTScope(scope)
	return err == nil
}

func negotiateScopes(requested, allowed string) (string, error) {
	requestedScopes := strings.Fields(requested)
	if len(requestedScopes) == 0 {
		return "", fmt.Errorf("no scopes requested")
	}
	for _, s := range requestedScopes {
		if !isValidSMARTScope(s) {
			return "", fmt.Errorf("invalid scope: %s", s)
		}
	}
	allowedScopes := make(map[string]bool)
	for _, s := range strings.Fields(allowed) {
		allowedScopes[s] = true
	}
	var negotiated []string
	for _, s := range requestedScopes {
		if allowedScopes[s] {
			negotiated = append(negotiated, s)
		}
	}
	if len(negotiated) == 0 {
		return "", fmt.Errorf("no requested scopes are allowed for this client")
	}
	return strings.Join(negotiated, " "), nil
}

func containsScope(scopeStr, target string) bool {
	for _, s := range strings.Fields(scopeStr) {
		if s == target {
			return true
		}
	}
	return false
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func isValidRedirectURI(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}

func timingSafeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// OAuthError represents an OAuth 2.0 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ---------------------------------------------------------------------------
// SMARTHandler — HTTP endpoints
// ---------------------------------------------------------------------------

// SMARTHandler provides SMART on FHIR HTTP endpoints.
type SMARTHandler struct {
	server *SMARTServer
}

func NewSMARTHandler(server *SMARTServer) *SMARTHandler {
	return &SMARTHandler{server: server}
}

// RegisterRoutes registers the authorization server's OAuth2/SMART routes,
// per spec §4.9/§6: /oauth2/* for the protocol endpoints, top-level
// /oauth2/login, /patient-picker, /consent for the HTML flow.
//
// discoveryCache, if given, is applied only to the JWKS and well-known
// discovery documents: they're public, unauthenticated, and change only
// when the signing key or client registry does, so they're the one part
// of the authorization surface safe to serve behind an ETag.
func (h *SMARTHandler) RegisterRoutes(e *echo.Echo, discoveryCache ...echo.MiddlewareFunc) {
	e.GET("/oauth2/authorize", h.handleAuthorize)
	e.GET("/oauth2/login", h.handleLoginPage)
	e.POST("/oauth2/login", h.handleLoginSubmit)
	e.GET("/patient-picker", h.handlePickerPage)
	e.POST("/patient-picker", h.handlePickerSubmit)
	e.GET("/consent", h.handleConsentPage)
	e.POST("/consent", h.handleConsentSubmit)
	e.POST("/oauth2/token", h.handleToken)
	e.POST("/oauth2/introspect", h.handleIntrospect)
	e.POST("/oauth2/revoke", h.handleRevoke)
	e.GET("/oauth2/jwks", h.handleJWKS, discoveryCache...)
	e.GET("/oauth2/userinfo", h.handleUserinfo)
	e.POST("/auth/register", h.handleRegister)
	e.POST("/auth/launch", h.handleLaunch)
	e.GET("/.well-known/oauth-authorization-server", h.handleServerMetadata, discoveryCache...)
	e.GET("/.well-known/smart-configuration", h.handleSMARTConfiguration, discoveryCache...)
}

func parseAuthorizationRequest(c echo.Context) *AuthorizationRequest {
	return &AuthorizationRequest{
		ResponseType:        c.QueryParam("response_type"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Aud:                 c.QueryParam("aud"),
		Launch:              c.QueryParam("launch"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}
}

// handleAuthorize is the state-machine dispatcher: GET /oauth2/authorize is
// hit both for the client's initial request AND (design decision 1) as the
// redirect target after every intermediate step, so the flow's own Step
// decides what happens next rather than each step redirecting to the next
// page directly.
func (h *SMARTHandler) handleAuthorize(c echo.Context) error {
	if flowID, err := c.Cookie(SessionCookieName); err == nil && flowID.Value != "" {
		if f, ok := h.server.flows.Get(flowID.Value); ok {
			return h.dispatchFlow(c, f)
		}
	}

	req := parseAuthorizationRequest(c)
	if req.ResponseType == "" || req.ClientID == "" || req.RedirectURI == "" || req.Scope == "" || req.State == "" {
		return h.redirectWithError(c, req.RedirectURI, "invalid_request", "missing required parameters", req.State)
	}

	f, err := h.server.beginAuthorization(req)
	if err != nil {
		oauthErr, _ := err.(*OAuthError)
		if oauthErr != nil {
			return h.redirectWithError(c, req.RedirectURI, oauthErr.Code, oauthErr.Description, req.State)
		}
		return h.redirectWithError(c, req.RedirectURI, "server_error", "internal server error", req.State)
	}

	c.SetCookie(&http.Cookie{Name: SessionCookieName, Value: f.ID, Path: "/", HttpOnly: true})
	return c.Redirect(http.StatusFound, "/oauth2/login")
}

// dispatchFlow advances an already-started flow to whatever the state
// machine says comes next.
func (h *SMARTHandler) dispatchFlow(c echo.Context, f *Flow) error {
	switch f.Step {
	case StepAuthRequested:
		return c.Redirect(http.StatusFound, "/oauth2/login")
	case StepAuthenticated:
		var role string
		h.server.mu.RLock()
		if u, ok := h.server.users[f.UserID]; ok {
			role = u.Role
		}
		h.server.mu.RUnlock()
		if h.server.requiresPicker(f.Request.Scope, role) {
			return c.Redirect(http.StatusFound, "/patient-picker")
		}
		return h.startConsent(c, f)
	case StepPatientPicked:
		return h.startConsent(c, f)
	default:
		return c.Redirect(http.StatusFound, "/consent")
	}
}

func (h *SMARTHandler) startConsent(c echo.Context, f *Flow) error {
	if _, err := h.server.issueConsentToken(f); err != nil {
		return h.redirectWithError(c, f.Request.RedirectURI, "server_error", "failed to start consent", f.Request.State)
	}
	return c.Redirect(http.StatusFound, "/consent")
}

func (h *SMARTHandler) handleLoginPage(c echo.Context) error {
	flowID, err := c.Cookie(SessionCookieName)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no authorization flow in progress")
	}
	return renderLoginPage(c, loginPageData{FlowID: flowID.Value})
}

// handleLoginSubmit is the authentication-success handler: per design
// decision 1, on success it redirects to /oauth2/authorize, never straight
// to /consent, so the central dispatcher owns what happens next.
func (h *SMARTHandler) handleLoginSubmit(c echo.Context) error {
	flowID, err := c.Cookie(SessionCookieName)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no authorization flow in progress")
	}
	f, ok := h.server.flows.Get(flowID.Value)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "authorization flow expired")
	}

	username := c.FormValue("username")
	password := c.FormValue("password")
	if _, ok := h.server.authenticate(username, password); !ok {
		return renderLoginPage(c, loginPageData{FlowID: f.ID, Error: "invalid username or password"})
	}

	h.server.flows.SetUser(f.ID, username)
	h.server.flows.Advance(f.ID, StepAuthenticated)
	return c.Redirect(http.StatusFound, "/oauth2/authorize")
}

func (h *SMARTHandler) currentFlow(c echo.Context) (*Flow, error) {
	flowID, err := c.Cookie(SessionCookieName)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "no authorization flow in progress")
	}
	f, ok := h.server.flows.Get(flowID.Value)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "authorization flow expired")
	}
	return f, nil
}

func (h *SMARTHandler) handlePickerPage(c echo.Context) error {
	f, err := h.currentFlow(c)
	if err != nil {
		return err
	}
	var patients []PickerPatient
	if h.server.patients != nil {
		patients, _ = h.server.patients(c.Request().Context())
	}
	return renderPickerPage(c, pickerPageData{FlowID: f.ID, Patients: patients})
}

// handlePickerSubmit stores the picker's selection via PatientContextStore
// before redirecting back to /oauth2/authorize, matching decision 1's
// pattern for every intermediate step: the dispatcher, not this handler,
// decides that consent comes next.
func (h *SMARTHandler) handlePickerSubmit(c echo.Context) error {
	f, err := h.currentFlow(c)
	if err != nil {
		return err
	}
	patientID := c.FormValue("patient_id")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	h.server.patientCtx.Save(f.ID, patientID, 10*time.Minute)
	h.server.flows.Advance(f.ID, StepPatientPicked)
	return c.Redirect(http.StatusFound, "/oauth2/authorize")
}

func (h *SMARTHandler) handleConsentPage(c echo.Context) error {
	f, err := h.currentFlow(c)
	if err != nil {
		return err
	}
	if f.Step != StepConsentPending || f.ConsentToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "no consent pending for this flow")
	}
	h.server.mu.RLock()
	client := h.server.clients[f.Request.ClientID]
	h.server.mu.RUnlock()
	name := f.Request.ClientID
	if client != nil {
		name = client.Name
	}
	patientID, _ := h.server.patientCtx.Get(f.ID)
	return renderConsentPage(c, consentPageData{
		ClientName: name, Scopes: strings.Fields(f.Request.Scope), PatientID: patientID, ConsentToken: f.ConsentToken,
	})
}

// handleConsentSubmit implements design decisions 2-4: the POST is matched
// to its flow by consent_token (not client/response_type params), must not
// carry response_type/code_challenge*, and scopes arrive as repeated
// `scope=` fields via c.Request().Form["scope"].
func (h *SMARTHandler) handleConsentSubmit(c echo.Context) error {
	consentToken := c.FormValue("consent_token")
	if consentToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "consent_token is required")
	}
	f, ok := h.server.flows.ByConsentToken(consentToken)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid or expired consent token")
	}

	if c.FormValue("decision") != "allow" {
		h.server.flows.Advance(f.ID, StepDenied)
		h.server.flows.Finish(f.ID)
		return h.redirectWithError(c, f.Request.RedirectURI, "access_denied", "user denied consent", f.Request.State)
	}

	if err := c.Request().ParseForm(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid consent form")
	}
	scopes := c.Request().PostForm["scope"]
	grantedScope := strings.Join(scopes, " ")
	if grantedScope == "" {
		grantedScope = f.Request.Scope
	}

	h.server.flows.Advance(f.ID, StepConsentGranted)
	resp, err := h.server.grantConsent(f, grantedScope)
	if err != nil {
		oauthErr, _ := err.(*OAuthError)
		if oauthErr != nil {
			return h.redirectWithError(c, f.Request.RedirectURI, oauthErr.Code, oauthErr.Description, f.Request.State)
		}
		return h.redirectWithError(c, f.Request.RedirectURI, "server_error", "internal server error", f.Request.State)
	}

	c.SetCookie(&http.Cookie{Name: SessionCookieName, Value: "", Path: "/", MaxAge: -1})

	redirectURL, parseErr := url.Parse(resp.RedirectURI)
	if parseErr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "invalid redirect URI")
	}
	q := redirectURL.Query()
	q.Set("code", resp.Code)
	q.Set("state", resp.State)
	redirectURL.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, redirectURL.String())
}

func (h *SMARTHandler) redirectWithError(c echo.Context, redirectURI, errCode, errDesc, state string) error {
	if redirectURI == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": errCode, "error_description": errDesc})
	}
	redirectURL, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": errCode, "error_description": errDesc})
	}
	q := redirectURL.Query()
	q.Set("error", errCode)
	q.Set("error_description", errDesc)
	if state != "" {
		q.Set("state", state)
	}
	redirectURL.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, redirectURL.String())
}

func (h *SMARTHandler) handleToken(c echo.Context) error {
	if !h.server.tokenLimit.Allow() {
		return c.JSON(http.StatusTooManyRequests, &OAuthError{Code: "slow_down", Description: "token endpoint rate limit exceeded"})
	}

	switch c.FormValue("grant_type") {
	case "authorization_code":
		return h.handleTokenAuthorizationCode(c)
	case "refresh_token":
		return h.handleTokenRefresh(c)
	case "client_credentials":
		return h.handleTokenClientCredentials(c)
	default:
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "unsupported_grant_type", Description: "grant_type must be authorization_code, refresh_token, or client_credentials"})
	}
}

func (h *SMARTHandler) handleTokenAuthorizationCode(c echo.Context) error {
	clientID, clientSecret := h.extractClientCredentials(c)
	req := &TokenRequest{
		GrantType: "authorization_code", Code: c.FormValue("code"), RedirectURI: c.FormValue("redirect_uri"),
		ClientID: clientID, ClientSecret: clientSecret, CodeVerifier: c.FormValue("code_verifier"),
	}
	resp, err := h.server.ExchangeCode(req)
	return h.tokenResult(c, resp, err)
}

func (h *SMARTHandler) handleTokenRefresh(c echo.Context) error {
	clientID, _ := h.extractClientCredentials(c)
	refreshToken := c.FormValue("refresh_token")
	if refreshToken == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "refresh_token is required"})
	}
	resp, err := h.server.RefreshAccessToken(refreshToken, clientID)
	return h.tokenResult(c, resp, err)
}

func (h *SMARTHandler) handleTokenClientCredentials(c echo.Context) error {
	clientID, clientSecret := h.extractClientCredentials(c)
	resp, err := h.server.ClientCredentialsToken(clientID, clientSecret, c.FormValue("scope"))
	return h.tokenResult(c, resp, err)
}

func (h *SMARTHandler) tokenResult(c echo.Context, resp *TokenResponse, err error) error {
	if err != nil {
		oauthErr, ok := err.(*OAuthError)
		if ok {
			status := http.StatusBadRequest
			if oauthErr.Code == "invalid_client" {
				status = http.StatusUnauthorized
			}
			return c.JSON(status, oauthErr)
		}
		return c.JSON(http.StatusInternalServerError, &OAuthError{Code: "server_error", Description: "internal server error"})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *SMARTHandler) extractClientCredentials(c echo.Context) (string, string) {
	clientID, clientSecret, ok := c.Request().BasicAuth()
	if ok && clientID != "" {
		return clientID, clientSecret
	}
	return c.FormValue("client_id"), c.FormValue("client_secret")
}

func (h *SMARTHandler) handleRegister(c echo.Context) error {
	var regReq struct {
		ClientName              string   `json:"client_name"`
		RedirectURIs            []string `json:"redirect_uris"`
		Scope                   string   `json:"scope"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
		LaunchURL               string   `json:"launch_url"`
	}
	if err := c.Bind(&regReq); err != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "invalid request body"})
	}
	if regReq.ClientName == "" || len(regReq.RedirectURIs) == 0 || regReq.Scope == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "client_name, redirect_uris, and scope are required"})
	}
	clientID, err := generateRandomHex(16)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, &OAuthError{Code: "server_error", Description: "failed to generate client_id"})
	}
	isPublic := regReq.TokenEndpointAuthMethod == "none"
	client := &SMARTClient{ClientID: clientID, RedirectURIs: regReq.RedirectURIs, Scope: regReq.Scope, Name: regReq.ClientName, LaunchURL: regReq.LaunchURL, IsPublic: isPublic}
	if !isPublic {
		secret, genErr := generateRandomHex(32)
		if genErr != nil {
			return c.JSON(http.StatusInternalServerError, &OAuthError{Code: "server_error", Description: "failed to generate client_secret"})
		}
		client.ClientSecret = secret
	}
	if err := h.server.RegisterClient(client); err != nil {
		return c.JSON(http.StatusInternalServerError, &OAuthError{Code: "server_error", Description: err.Error()})
	}
	return c.JSON(http.StatusCreated, client)
}

func (h *SMARTHandler) handleLaunch(c echo.Context) error {
	var req struct {
		PatientID   string `json:"patient_id"`
		EncounterID string `json:"encounter_id"`
		UserID      string `json:"user_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "invalid request body"})
	}
	if req.PatientID == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "patient_id is required"})
	}
	lc, err := h.server.CreateLaunchContext(req.PatientID, req.EncounterID, req.UserID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, &OAuthError{Code: "server_error", Description: "failed to create launch context"})
	}
	return c.JSON(http.StatusOK, map[string]string{"launch": lc.ID})
}

func (h *SMARTHandler) handleIntrospect(c echo.Context) error {
	token := c.FormValue("token")
	if token == "" {
		return c.JSON(http.StatusOK, &TokenClaims{Active: false})
	}
	claims, err := h.server.IntrospectToken(token)
	if err != nil {
		return c.JSON(http.StatusOK, &TokenClaims{Active: false})
	}
	return c.JSON(http.StatusOK, claims)
}

func (h *SMARTHandler) handleRevoke(c echo.Context) error {
	token := c.FormValue("token")
	if token != "" {
		h.server.RevokeToken(token)
	}
	return c.NoContent(http.StatusOK)
}

func (h *SMARTHandler) handleJWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, h.server.signingKey.Set)
}

func (h *SMARTHandler) handleUserinfo(c echo.Context) error {
	authHeader := c.Request().Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	claims, err := h.server.IntrospectToken(parts[1])
	if err != nil || !claims.Active {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}
	return c.JSON(http.StatusOK, map[string]string{"sub": claims.Subject, "fhirUser": claims.FHIRUser, "patient": claims.Patient})
}

func (h *SMARTHandler) handleServerMetadata(c echo.Context) error {
	cfg := map[string]interface{}{
		"issuer":                                 h.server.issuer,
		"authorization_endpoint":                 h.server.issuer + "/oauth2/authorize",
		"token_endpoint":                         h.server.issuer + "/oauth2/token",
		"introspection_endpoint":                 h.server.issuer + "/oauth2/introspect",
		"revocation_endpoint":                    h.server.issuer + "/oauth2/revoke",
		"jwks_uri":                               h.server.issuer + "/oauth2/jwks",
		"userinfo_endpoint":                      h.server.issuer + "/oauth2/userinfo",
		"registration_endpoint":                  h.server.issuer + "/auth/register",
		"scopes_supported":                       []string{"patient/*.read", "patient/*.write", "user/*.read", "user/*.write", "launch", "launch/patient", "launch/encounter", "openid", "fhirUser", "offline_access"},
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token", "client_credentials"},
		"token_endpoint_auth_methods_supported":  []string{"client_secret_basic", "client_secret_post", "none"},
		"code_challenge_methods_supported":       []string{"S256"},
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *SMARTHandler) handleSMARTConfiguration(c echo.Context) error {
	cfg := map[string]interface{}{
		"issuer":                 h.server.issuer,
		"authorization_endpoint": h.server.issuer + "/oauth2/authorize",
		"token_endpoint":         h.server.issuer + "/oauth2/token",
		"jwks_uri":               h.server.issuer + "/oauth2/jwks",
		"registration_endpoint":  h.server.issuer + "/auth/register",
		"introspection_endpoint": h.server.issuer + "/oauth2/introspect",
		"revocation_endpoint":    h.server.issuer + "/oauth2/revoke",
		"scopes_supported": []string{
			"openid", "profile", "fhirUser",
			"launch", "launch/patient",
			"patient/*.read", "patient/*.write",
			"user/*.read", "user/*.write",
			"offline_access",
		},
		"response_types_supported": []string{"code"},
		"capabilities": []string{
			"launch-ehr", "launch-standalone",
			"client-public", "client-confidential-symmetric",
			"context-ehr-patient", "context-standalone-patient",
			"permission-patient", "permission-user",
			"sso-openid-connect",
		},
		"code_challenge_methods_supported":      []string{"S256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
		"token_endpoint_auth_methods_supported":  []string{"client_secret_basic", "client_secret_post", "none"},
	}
	return c.JSON(http.StatusOK, cfg)
}
