// Package middleware authenticates render and management requests on the
// HTTP and gRPC transports and attaches request-scoped loggers.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyLookup returns the stored hash and owning project for a key ID.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (hash string, projectID string, err error)
}

// APIKeyValidator validates "keyID.secret" bearer tokens against bcrypt
// hashes.
type APIKeyValidator struct {
	lookup APIKeyLookup
}

func NewAPIKeyValidator(lookup APIKeyLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (Principal, error) {
	if v == nil || v.lookup == nil {
		return Principal{}, errors.New("api key validator is nil")
	}

	keyID, secret, ok := SplitAPIKey(token)
	if !ok {
		return Principal{}, fmt.Errorf("%w: malformed token", ErrInvalidAPIKey)
	}

	hash, projectID, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return Principal{}, fmt.Errorf("lookup api key %s: %w", keyID, err)
	}
	if !APIKeyMatchesHash(hash, secret) {
		return Principal{}, ErrInvalidAPIKey
	}

	return Principal{ProjectID: projectID, APIKeyID: keyID}, nil
}

// SplitAPIKey splits a token into its key ID and secret.
func SplitAPIKey(token string) (keyID, secret string, ok bool) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}
