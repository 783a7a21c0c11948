// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the control plane.
//
// The wallet middleware extracts the caller's address from the bearer token
// in the Authorization header and stores the lowercased unprefixed 40-hex
// form in the Gin context. Token verification itself (signature checks,
// session lookup) is delegated to the configured AddressDecoder; the default
// decoder accepts a bare wallet address as the token, which is what the
// local development proxy forwards after it has verified the session.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Resonate/pkg/validation"
)

// callerAddressKey is the context key for the authenticated wallet address.
const callerAddressKey = "resonate_caller_address"

// AddressDecoder turns a bearer token into a wallet address. Implementations
// return an error for tokens that do not resolve to a caller.
type AddressDecoder func(ctx context.Context, token string) (string, error)

// BareAddressDecoder treats the token itself as the wallet address. Used
// when an upstream proxy has already verified the session and forwards the
// subject address.
func BareAddressDecoder(_ context.Context, token string) (string, error) {
	return validation.SanitizeHexAddress(token)
}

// SetCallerAddress stores the authenticated address for downstream handlers.
func SetCallerAddress(c *gin.Context, address string) {
	c.Set(callerAddressKey, address)
}

// CallerAddress returns the authenticated wallet address, or "" when the
// request was not authenticated.
func CallerAddress(c *gin.Context) string {
	if v, ok := c.Get(callerAddressKey); ok {
		if addr, ok := v.(string); ok {
			return addr
		}
	}
	return ""
}

// WalletAuth authenticates requests by decoding the bearer token into a
// wallet address. Requests without a resolvable address are rejected with
// 401 before reaching any handler.
func WalletAuth(decode AddressDecoder) gin.HandlerFunc {
	if decode == nil {
		decode = BareAddressDecoder
	}
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		address, err := decode(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		SetCallerAddress(c, address)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme is
// case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
