// Package tokenstore persists the access/refresh token and user profile
// encrypted in durable storage. The encryption key derives from a random
// salt held only in volatile storage, so nothing stored here outlives a
// process restart in readable form.
package tokenstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmihub/go-tmi-auth/authcrypto"
	"github.com/tmihub/go-tmi-auth/oauthmodel"
	"github.com/tmihub/go-tmi-auth/storage"
)

// Durable and volatile storage keys. Only this package touches them.
const (
	TokenKey           = "auth_token"
	ProfileKey         = "user_profile"
	LogoutBroadcastKey = "auth_logout_broadcast"

	saltKey = "auth_session_salt"
)

// Store encrypts and persists the session credentials. Retrieval returns
// absence, never an error, for anything that cannot be decrypted: a missing
// or changed salt is simply "no valid session".
type Store struct {
	durable  storage.Store
	volatile storage.VolatileStore
	log      zerolog.Logger
}

// Option modifies a Store.
type Option func(*Store)

// WithLogger attaches a logger; the default discards.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates a Store over the given durable and volatile storage.
func New(durable storage.Store, volatile storage.VolatileStore, options ...Option) *Store {
	s := &Store{
		durable:  durable,
		volatile: volatile,
		log:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// sessionKey returns the AES key for this session, creating the salt on
// first use.
func (s *Store) sessionKey() ([]byte, error) {
	if enc, ok := s.volatile.Get(saltKey); ok {
		if salt, err := base64.StdEncoding.DecodeString(enc); err == nil && len(salt) > 0 {
			return authcrypto.DeriveKey(salt)
		}
		// Unreadable salt: discard and start over; stored blobs become
		// undecryptable, which reads as "no valid session".
		s.volatile.Delete(saltKey)
	}
	salt, err := authcrypto.RandomBytes(authcrypto.KeyLength)
	if err != nil {
		return nil, err
	}
	s.volatile.Set(saltKey, base64.StdEncoding.EncodeToString(salt))
	return authcrypto.DeriveKey(salt)
}

// Store encrypts and persists the token, replacing any prior one.
func (s *Store) Store(ctx context.Context, token *oauthmodel.Token) error {
	return s.put(ctx, TokenKey, token)
}

// StoreProfile encrypts and persists the user profile.
func (s *Store) StoreProfile(ctx context.Context, profile *oauthmodel.UserProfile) error {
	return s.put(ctx, ProfileKey, profile)
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return err
	}
	aesKey, err := s.sessionKey()
	if err != nil {
		return err
	}
	envelope, err := authcrypto.Encrypt(aesKey, plaintext)
	if err != nil {
		return err
	}
	return s.durable.Set(key, envelope)
}

// Retrieve decrypts the stored token. Missing, corrupt, or undecryptable
// data yields (nil, nil): absence is the uniform "no valid session" signal.
func (s *Store) Retrieve(ctx context.Context) (*oauthmodel.Token, error) {
	var token oauthmodel.Token
	ok, err := s.get(ctx, TokenKey, &token)
	if err != nil || !ok {
		return nil, err
	}
	return &token, nil
}

// RetrieveProfile decrypts the stored profile, with the same absence
// semantics as Retrieve.
func (s *Store) RetrieveProfile(ctx context.Context) (*oauthmodel.UserProfile, error) {
	var profile oauthmodel.UserProfile
	ok, err := s.get(ctx, ProfileKey, &profile)
	if err != nil || !ok {
		return nil, err
	}
	return &profile, nil
}

func (s *Store) get(ctx context.Context, key string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	envelope, ok, err := s.durable.Get(key)
	if err != nil {
		return false, err
	}
	if !ok || envelope == "" {
		return false, nil
	}
	aesKey, err := s.sessionKey()
	if err != nil {
		return false, nil
	}
	plaintext, err := authcrypto.Decrypt(aesKey, envelope)
	if err != nil {
		s.log.Debug().Str("key", key).Msg("stored value undecryptable, treating as absent")
		return false, nil
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		s.log.Debug().Str("key", key).Msg("stored value corrupt, treating as absent")
		return false, nil
	}
	return true, nil
}

// Clear removes the token and profile. Idempotent.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.durable.Delete(TokenKey); err != nil {
		return err
	}
	return s.durable.Delete(ProfileKey)
}

// BroadcastLogout writes the logout marker so other instances watching the
// durable store re-validate their own state. The value changes every call so
// repeated logouts still fire change events.
func (s *Store) BroadcastLogout() {
	if err := s.durable.Set(LogoutBroadcastKey, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.log.Warn().Err(err).Msg("failed to broadcast logout")
	}
}
