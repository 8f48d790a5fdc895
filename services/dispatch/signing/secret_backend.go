// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package signing

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrSecretNotFound is returned when a secret key has no value.
var ErrSecretNotFound = errors.New("secret not found")

// SecretBackend retrieves named secrets.
//
// Thread Safety: Implementations must be safe for concurrent use.
type SecretBackend interface {
	// GetSecret retrieves a secret by key.
	//
	// Outputs:
	//   - string: The secret value.
	//   - error: Non-nil if the secret cannot be retrieved (including ErrSecretNotFound).
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvBackend reads secrets from environment variables.
type EnvBackend struct{}

// GetSecret returns the value of the environment variable key.
//
// Outputs:
//   - string: The secret value.
//   - error: ErrSecretNotFound if the variable is unset or empty.
func (EnvBackend) GetSecret(ctx context.Context, key string) (string, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("retrieving secret %q: %w", key, ctx.Err())
	}
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
	}
	return value, nil
}

// StaticBackend serves secrets from a fixed map. Used by the CLI and tests.
type StaticBackend map[string]string

// GetSecret implements SecretBackend.
func (s StaticBackend) GetSecret(_ context.Context, key string) (string, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
	}
	return v, nil
}
