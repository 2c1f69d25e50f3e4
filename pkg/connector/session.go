// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LITdevs/quarkcord/pkg/lightquark"
)

// AuthAPI is the part of the Lightquark REST API used to sign in.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (string, error)
	Me(ctx context.Context, token string) (*lightquark.User, error)
}

// CredentialSession acquires the bridge's Lightquark bearer token and
// identity once per process and hands out the memoized values.
type CredentialSession struct {
	api      AuthAPI
	email    string
	password string
	log      zerolog.Logger

	startOnce sync.Once
	startErr  error

	tokenReady chan struct{}
	token      string
	tokenErr   error

	identityReady chan struct{}
	identity      *lightquark.User
	identityErr   error
}

func NewCredentialSession(api AuthAPI, creds Credentials, log zerolog.Logger) *CredentialSession {
	return &CredentialSession{
		api:           api,
		email:         creds.LightquarkEmail,
		password:      creds.LightquarkPassword,
		log:           log.With().Str("component", "credentials").Logger(),
		tokenReady:    make(chan struct{}),
		identityReady: make(chan struct{}),
	}
}

// Start exchanges the credentials for a token and fetches the identity it
// belongs to. Only the first call does any work; later calls return the
// first call's result. Failures are not retried.
func (s *CredentialSession) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.acquire(ctx)
	})
	return s.startErr
}

func (s *CredentialSession) acquire(ctx context.Context) error {
	s.token, s.tokenErr = s.api.Login(ctx, s.email, s.password)
	close(s.tokenReady)
	if s.tokenErr != nil {
		s.log.Error().Err(s.tokenErr).Msg("Failed to sign in to Lightquark")
		s.identityErr = s.tokenErr
		close(s.identityReady)
		return s.tokenErr
	}

	s.identity, s.identityErr = s.api.Me(ctx, s.token)
	close(s.identityReady)
	if s.identityErr != nil {
		s.log.Error().Err(s.identityErr).Msg("Failed to fetch Lightquark identity")
		return s.identityErr
	}
	s.log.Info().
		Str("user_id", s.identity.ID).
		Str("username", s.identity.Username).
		Msg("Signed in to Lightquark")
	return nil
}

// Token waits for the bearer token.
func (s *CredentialSession) Token(ctx context.Context) (string, error) {
	select {
	case <-s.tokenReady:
		return s.token, s.tokenErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Identity waits for the bridge's own Lightquark user.
func (s *CredentialSession) Identity(ctx context.Context) (*lightquark.User, error) {
	select {
	case <-s.identityReady:
		return s.identity, s.identityErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
