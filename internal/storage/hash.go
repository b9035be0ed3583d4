package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash. Can be raised to 12 (~250ms) when
	// hardening for production.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashAPIKey generates a bcrypt hash of the API key for secure storage.
// The API key is never stored in plaintext - only the bcrypt hash is persisted.
//
// Note: Bcrypt has a 72-byte input limit. For longer keys, we pre-hash with SHA-256
// to ensure consistent behavior while maintaining security properties.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash performs constant-time comparison of API key against bcrypt hash.
// This is the primary method for API key validation - never compare plaintext keys.
//
// Returns true if the API key matches the stored hash, false otherwise.
// Returns false for any error conditions (empty inputs, invalid hash format, etc.)
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}

// bcryptInput prepares an API key for bcrypt: keys longer than the 72-byte
// bcrypt limit are pre-hashed with SHA-256. Hashing and comparison must use
// the same preparation.
func bcryptInput(apiKey string) []byte {
	if len(apiKey) > bcryptLimit {
		hasher := sha256.New()
		hasher.Write([]byte(apiKey))

		return hasher.Sum(nil)
	}

	return []byte(apiKey)
}
