// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package signing authenticates outbound tool payloads with HMAC-SHA256.
//
// The signature is the lowercase hex digest of HMAC-SHA256(secret, body) over
// the exact bytes sent on the wire. It travels in the X-Signature header.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// HeaderName is the request header carrying the signature.
const HeaderName = "X-Signature"

// Signer computes and checks payload signatures.
//
// Description:
//
//	The shared secret is sealed in a memguard enclave and only decrypted into
//	a locked buffer for the duration of one HMAC computation.
//
// Thread Safety: Safe for concurrent use.
type Signer struct {
	enclave *memguard.Enclave
}

// NewSigner seals a copy of secret. The caller's slice is left untouched.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret must not be empty")
	}
	buf := make([]byte, len(secret))
	copy(buf, secret)
	// NewEnclave wipes buf after sealing it.
	return &Signer{enclave: memguard.NewEnclave(buf)}, nil
}

// NewSignerFromBackend fetches the secret named key and seals it.
//
// Outputs:
//
//	*Signer - Ready to sign.
//	error - Wraps ErrSecretNotFound when the backend has no value for key.
func NewSignerFromBackend(ctx context.Context, backend SecretBackend, key string) (*Signer, error) {
	secret, err := backend.GetSecret(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading signing secret: %w", err)
	}
	return NewSigner([]byte(secret))
}

// Sign returns the hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) (string, error) {
	lb, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening signing enclave: %w", err)
	}
	defer lb.Destroy()

	mac := hmac.New(sha256.New, lb.Bytes())
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is the valid hex HMAC of body.
// Comparison is constant-time.
func (s *Signer) Verify(body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	lb, err := s.enclave.Open()
	if err != nil {
		return false
	}
	defer lb.Destroy()

	mac := hmac.New(sha256.New, lb.Bytes())
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
