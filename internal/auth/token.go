// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth covers the session token: issuing and validating HS256 tokens on the
// dev backend, reading expiry client-side, and persisting the token between runs.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means no session is stored or an empty token was supplied.
	ErrNoToken = errors.New("not logged in")
	// ErrTokenExpired means the token's exp claim is in the past.
	ErrTokenExpired = errors.New("session token expired")
)

// Info is what the client can read from a token without the signing key.
type Info struct {
	Subject   string
	ExpiresAt time.Time // zero when the token carries no exp
}

// Issue creates a signed HS256 token for username.
func Issue(secret, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verify parses and validates a token, returning its subject.
func Verify(secret, tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// Inspect reads the claims without verifying the signature. ok is false for
// tokens that are not JWTs.
func Inspect(tokenStr string) (info Info, ok bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return Info{}, false
	}
	info.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, true
}

// Expired reports whether tokenStr carries an exp at or before now.
// Opaque tokens never expire from the client's point of view.
func Expired(tokenStr string, now time.Time) bool {
	info, ok := Inspect(tokenStr)
	if !ok || info.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(info.ExpiresAt)
}

// Check returns ErrNoToken or ErrTokenExpired when tokenStr cannot open a session.
func Check(tokenStr string, now time.Time) error {
	if tokenStr == "" {
		return ErrNoToken
	}
	if Expired(tokenStr, now) {
		return ErrTokenExpired
	}
	return nil
}
