// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validKey = "ac_abcdefghijklmnopqrstuvwx" // ac_ + 24 chars

func TestLocalProvider_AlwaysReturnsSentinelUser(t *testing.T) {
	info, err := LocalProvider{}.Authenticate("")
	require.NoError(t, err)
	require.Equal(t, LocalUserID, info.UserID)
}

func TestKeyStore_RejectsMalformedKeyOnRegister(t *testing.T) {
	s := NewKeyStore()
	err := s.Register("not-a-key", "user-1")
	require.Error(t, err)
}

func TestKeyStore_AuthenticatesRegisteredKey(t *testing.T) {
	s := NewKeyStore()
	require.NoError(t, s.Register(validKey, "user-1"))

	info, err := s.Authenticate(validKey)
	require.NoError(t, err)
	require.Equal(t, "user-1", info.UserID)
}

func TestKeyStore_RejectsUnknownKey(t *testing.T) {
	s := NewKeyStore()
	require.NoError(t, s.Register(validKey, "user-1"))

	other := "ac_" + "000000000000000000000000"
	_, err := s.Authenticate(other)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestKeyStore_RejectsMalformedKeyOnAuthenticate(t *testing.T) {
	s := NewKeyStore()
	_, err := s.Authenticate("garbage")
	require.ErrorIs(t, err, ErrUnauthorized)
}
