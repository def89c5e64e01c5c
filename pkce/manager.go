// Package pkce manages the Proof-Key-for-Code-Exchange parameters for the
// single in-flight authorization attempt of one application instance.
package pkce

import (
	"encoding/json"
	"time"

	"github.com/tmihub/go-tmi-auth/authcrypto"
	"github.com/tmihub/go-tmi-auth/autherr"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
	"github.com/tmihub/go-tmi-auth/storage"
)

// StorageKey is the volatile-store key holding the serialized parameters.
const StorageKey = "pkce_verifier"

// VerifierTTL bounds how long a generated verifier stays usable. A verifier
// exactly this old is still valid; one millisecond older is expired.
const VerifierTTL = 5 * time.Minute

// Parameters is one generated verifier/challenge pair. Generating a new pair
// silently replaces any prior one: at most one is outstanding per instance.
type Parameters struct {
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	Method        string    `json:"method"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Manager generates, retrieves and clears PKCE parameters over a volatile
// store.
type Manager struct {
	store   storage.VolatileStore
	nowTime func() time.Time
}

// Option modifies a Manager.
type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// NewManager creates a Manager backed by store.
func NewManager(store storage.VolatileStore, options ...Option) *Manager {
	m := &Manager{
		store:   store,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Generate produces a fresh verifier/challenge pair and persists it,
// replacing any prior pair.
func (m *Manager) Generate() (*Parameters, error) {
	verifier, err := authcrypto.RandomURLToken(oauthmodel.VerifierByteLength)
	if err != nil {
		return nil, autherr.New(autherr.CodeGenerationFailed, "random source unavailable: "+err.Error(), true)
	}
	params := &Parameters{
		CodeVerifier:  verifier,
		CodeChallenge: authcrypto.S256Challenge(verifier),
		Method:        oauthmodel.CodeChallengeMethodS256,
		GeneratedAt:   m.nowTime(),
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, autherr.New(autherr.CodeGenerationFailed, "serialize parameters: "+err.Error(), false)
	}
	m.store.Set(StorageKey, string(data))
	return params, nil
}

// RetrieveVerifier reads the stored verifier. Absent or corrupt entries fail
// with verifier_not_found and are purged; entries older than VerifierTTL
// fail with verifier_expired and are purged.
func (m *Manager) RetrieveVerifier() (string, error) {
	raw, ok := m.store.Get(StorageKey)
	if !ok {
		return "", autherr.ErrVerifierNotFound
	}
	var params Parameters
	if err := json.Unmarshal([]byte(raw), &params); err != nil || params.CodeVerifier == "" {
		m.store.Delete(StorageKey)
		return "", autherr.ErrVerifierNotFound
	}
	if m.nowTime().Sub(params.GeneratedAt) > VerifierTTL {
		m.store.Delete(StorageKey)
		return "", autherr.ErrVerifierExpired
	}
	return params.CodeVerifier, nil
}

// Clear removes any stored parameters. Idempotent; silent when nothing is
// stored.
func (m *Manager) Clear() {
	m.store.Delete(StorageKey)
}

// HasStored reports whether anything sits under the PKCE key, regardless of
// expiry or corruption. Diagnostics only; never a correctness decision.
func (m *Manager) HasStored() bool {
	_, ok := m.store.Get(StorageKey)
	return ok
}
