// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package auth validates the `x-api-key: ac_{24 chars}` header required in
// cloud mode, and bypasses auth entirely in local mode under the sentinel
// user id "local".
// The user id each registered key maps to is held in a memguard buffer
// until Purge wipes it; the key itself is kept only as a sha256 digest.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// ErrUnauthorized is the sentinel every failed authentication wraps.
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID is the sentinel user id local mode (no GitHub client /cloud
// auth configured) always authenticates as. Any other local-mode value is
// a bug, not a legitimate identity.
const LocalUserID = "local"

// keyPattern matches the "ac_{24 chars}" key format.
var keyPattern = regexp.MustCompile(`^ac_[A-Za-z0-9]{24}$`)

// Info is the authenticated identity attached to a request.
type Info struct {
	UserID string
}

// Provider authenticates one x-api-key header value.
type Provider interface {
	Authenticate(apiKey string) (Info, error)
}

// LocalProvider bypasses authentication, always returning LocalUserID: the
// always-allow default for a deployment mode with nothing to check
// credentials against.
type LocalProvider struct{}

func (LocalProvider) Authenticate(string) (Info, error) {
	return Info{UserID: LocalUserID}, nil
}

// minMlockLimitKB is the minimum mlock limit, in kilobytes, below which
// memguard buffers silently stop being lockable and key material could be
// swapped to disk.
const minMlockLimitKB = 512

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
	mlockLimitKB     int64
)

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			insecure := os.Getenv("PMCORE_INSECURE_MEMORY") == "true"
			slog.Warn("mlock limit insufficient for secure key storage",
				"current_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB,
				"insecure_fallback", insecure,
			)
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// KeyStore validates API keys against a set of registered key hashes. The
// user id each hash maps to is held in a memguard.LockedBuffer rather than
// a plain Go string, so it is wiped and excluded from core dumps once
// Purge is called.
//
// Only the sha256 digest of a registered key is ever retained; the key
// itself is never stored, so Authenticate re-hashes its input and compares
// digests in constant time.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*memguard.LockedBuffer // hex(sha256(key)) -> user id bytes
}

// NewKeyStore constructs an empty KeyStore and initializes memguard once
// per process.
func NewKeyStore() *KeyStore {
	initMemguard()
	return &KeyStore{keys: make(map[string]*memguard.LockedBuffer)}
}

// Register adds a valid API key, associating it with userID. apiKey must
// match the ac_{24 chars} format.
func (s *KeyStore) Register(apiKey, userID string) error {
	if !keyPattern.MatchString(apiKey) {
		return fmt.Errorf("auth: key %q does not match ac_{24 chars}", redact(apiKey))
	}
	digest := sha256.Sum256([]byte(apiKey))
	buf := memguard.NewBufferFromBytes([]byte(userID))
	if buf == nil {
		return fmt.Errorf("auth: failed to allocate secure buffer for key material")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[hex.EncodeToString(digest[:])] = buf
	return nil
}

// Authenticate validates apiKey against every registered key's digest.
func (s *KeyStore) Authenticate(apiKey string) (Info, error) {
	if !keyPattern.MatchString(apiKey) {
		return Info{}, fmt.Errorf("%w: malformed key", ErrUnauthorized)
	}
	digest := sha256.Sum256([]byte(apiKey))
	want := []byte(hex.EncodeToString(digest[:]))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for got, buf := range s.keys {
		if subtle.ConstantTimeCompare([]byte(got), want) == 1 {
			return Info{UserID: string(buf.Bytes())}, nil
		}
	}
	return Info{}, fmt.Errorf("%w: key not recognized", ErrUnauthorized)
}

// Purge wipes every registered key's protected buffer. Call once on
// shutdown.
func (s *KeyStore) Purge() {
	memguard.Purge()
}

// redact keeps only the ac_ prefix of a malformed key in log/error output.
func redact(key string) string {
	if len(key) <= 3 {
		return "***"
	}
	return key[:3] + "***"
}
