// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package publish

import (
	"fmt"
	"net/http"
)

// Stable error codes surfaced to API callers. Validation and authorization
// failures never mutate job state; stage failures roll back and record the
// code on the row.
const (
	CodeConfigMissing       = "config_missing"
	CodeStorageFailure      = "storage_failure"
	CodeFileEmpty           = "file_empty"
	CodeFileTooLarge        = "file_too_large"
	CodeBadContentType      = "bad_content_type"
	CodeRateLimitedCount    = "rate_limited_count"
	CodeRateLimitedBytes    = "rate_limited_bytes"
	CodeAudioSha256Required = "audio_sha256_required"
	CodeHashUnavailable     = "hash_verification_unavailable"
	CodeHashMismatch        = "hash_mismatch"
	CodeWarnDuplicateFound  = "warn_duplicate_found"
	CodeCoverRequired       = "cover_required"
	CodeLyricsRequired      = "lyrics_required"
	CodeLyricsFlagged       = "lyrics_flagged"
	CodeFingerprintRequired = "fingerprint_required"
	CodeParentLinkRequired  = "parent_link_required"
	CodeAnchorFailed        = "anchor_failed"
	CodeMetadataFailed      = "metadata_anchor_failed"
	CodeRegisterFailed      = "register_failed"
	CodeFinalizeFailed      = "finalize_failed"
	CodeWrongStatus         = "wrong_status"
	CodeJobNotFound         = "job_not_found"
	CodeUploadBanned        = "upload_banned"
	CodeIdentityUnverified  = "identity_unverified"
)

// OpError is the typed failure of a publish operation. HTTPStatus drives
// the handler response; Job, when set, is attached to the error envelope so
// clients can observe the authoritative state after a lost race.
type OpError struct {
	Code       string
	Message    string
	HTTPStatus int
	Job        *Job
	Err        error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OpError) Unwrap() error { return e.Err }

func validationErr(code, msg string) *OpError {
	return &OpError{Code: code, Message: msg, HTTPStatus: http.StatusBadRequest}
}

func conflictErr(code, msg string, job *Job) *OpError {
	return &OpError{Code: code, Message: msg, HTTPStatus: http.StatusConflict, Job: job}
}

func notFoundErr(msg string) *OpError {
	return &OpError{Code: CodeJobNotFound, Message: msg, HTTPStatus: http.StatusNotFound}
}

func rateLimitErr(code, msg string) *OpError {
	return &OpError{Code: code, Message: msg, HTTPStatus: http.StatusTooManyRequests}
}

func upstreamErr(code, msg string, err error, job *Job) *OpError {
	return &OpError{Code: code, Message: msg, HTTPStatus: http.StatusBadGateway, Job: job, Err: err}
}

func internalErr(code, msg string, err error) *OpError {
	return &OpError{Code: code, Message: msg, HTTPStatus: http.StatusInternalServerError, Err: err}
}
