// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided identifiers that end up
// in database queries, on-chain calls, or upstream HTTP requests. Using these
// validators prevents injection attacks and malformed on-chain writes.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// hexAddressPattern matches a 40-hex EVM address without the 0x prefix.
var hexAddressPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// prefixedAddressPattern matches a 0x-prefixed 40-hex EVM address.
var prefixedAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// sha256HexPattern matches a lowercased 32-byte hash in hex.
var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// isrcPattern matches the standardized 12-character recording code:
// two-letter country, three alphanumeric registrant, two-digit year,
// five-digit designation.
var isrcPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{3}[0-9]{7}$`)

// mbidPattern matches a lowercased UUID v1-v5.
var mbidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// decimalPattern matches a non-negative base-10 integer string.
var decimalPattern = regexp.MustCompile(`^[0-9]+$`)

// hexBytesPattern matches 0x-prefixed hex bytes of even length. "0x" alone
// is accepted (empty byte string).
var hexBytesPattern = regexp.MustCompile(`^0x(?:[0-9a-fA-F]{2})*$`)

// ValidateHexAddress validates a lowercased 40-hex wallet or contract
// address without the 0x prefix, the form the job store keys rows by.
func ValidateHexAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !hexAddressPattern.MatchString(addr) {
		return fmt.Errorf("invalid address format: %q (must be 40 lowercase hex chars)", addr)
	}
	return nil
}

// SanitizeHexAddress normalizes an address to the stored form: trimmed,
// lowercased, 0x prefix removed. Returns an error if the result is not a
// valid 40-hex address.
func SanitizeHexAddress(addr string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(addr))
	normalized = strings.TrimPrefix(normalized, "0x")
	if err := ValidateHexAddress(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidatePrefixedAddress validates a 0x-prefixed EVM address as accepted in
// register/finalize request bodies (parent IP IDs, license templates,
// dataset owners). Case is not significant.
func ValidatePrefixedAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !prefixedAddressPattern.MatchString(addr) {
		return fmt.Errorf("invalid address format: %q (must be 0x followed by 40 hex chars)", addr)
	}
	return nil
}

// ValidateSha256Hex validates a lowercased 64-hex SHA-256 digest.
//
// Example:
//
//	if err := validation.ValidateSha256Hex(req.AudioSha256); err != nil {
//	    return fmt.Errorf("invalid audioSha256: %w", err)
//	}
func ValidateSha256Hex(digest string) error {
	if digest == "" {
		return fmt.Errorf("digest cannot be empty")
	}
	if !sha256HexPattern.MatchString(digest) {
		return fmt.Errorf("invalid sha256 format: %q (must be 64 lowercase hex chars)", digest)
	}
	return nil
}

// SanitizeSha256Hex lowercases and trims a hex digest, strips an optional
// 0x prefix, and validates the result.
func SanitizeSha256Hex(digest string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(digest))
	normalized = strings.TrimPrefix(normalized, "0x")
	if err := ValidateSha256Hex(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateISRC validates an uppercased 12-character ISRC.
func ValidateISRC(isrc string) error {
	if isrc == "" {
		return fmt.Errorf("isrc cannot be empty")
	}
	if !isrcPattern.MatchString(isrc) {
		return fmt.Errorf("invalid isrc format: %q", isrc)
	}
	return nil
}

// SanitizeISRC uppercases, trims, and removes dashes from an ISRC before
// validating. Dashed presentation (US-RC1-76-07839) is common in tag data.
func SanitizeISRC(isrc string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(isrc))
	normalized = strings.ReplaceAll(normalized, "-", "")
	if err := ValidateISRC(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateMBID validates a lowercased MusicBrainz recording identifier
// (UUID v1-v5).
func ValidateMBID(mbid string) error {
	if mbid == "" {
		return fmt.Errorf("mbid cannot be empty")
	}
	if !mbidPattern.MatchString(mbid) {
		return fmt.Errorf("invalid mbid format: %q (must be a UUID)", mbid)
	}
	return nil
}

// SanitizeMBID lowercases and trims an MBID before validating.
func SanitizeMBID(mbid string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(mbid))
	if err := ValidateMBID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateDecimalString validates a non-negative base-10 integer string as
// used for token IDs, license terms IDs, and max minting fees.
func ValidateDecimalString(s string) error {
	if s == "" {
		return fmt.Errorf("value cannot be empty")
	}
	if !decimalPattern.MatchString(s) {
		return fmt.Errorf("invalid decimal string: %q", s)
	}
	return nil
}

// ValidateHexBytes validates a 0x-prefixed even-length hex byte string, as
// used for royalty contexts. "0x" (zero bytes) is valid.
func ValidateHexBytes(s string) error {
	if s == "" {
		return fmt.Errorf("value cannot be empty")
	}
	if !hexBytesPattern.MatchString(s) {
		return fmt.Errorf("invalid hex bytes: %q (must be 0x-prefixed, even length)", s)
	}
	return nil
}
