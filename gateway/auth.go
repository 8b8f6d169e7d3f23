// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// identityFromToken validates a JWT and returns the subject it binds
// the connection to. An empty token yields an anonymous connection,
// which may use market streams but no user streams. An invalid token
// is an error: silently downgrading it to anonymous would hide a
// client bug.
func identityFromToken(token string, secret []byte) (string, error) {
	if token == "" {
		return "", nil
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}
