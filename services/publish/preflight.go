// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package publish

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/AleutianAI/Resonate/services/uploader"
)

// PreflightInput carries optional late-bound fields a client may supply at
// check time instead of at start.
type PreflightInput struct {
	PublishType     PublishType
	Fingerprint     string
	DurationS       int64
	ParentIPIDs     []string
	LicenseTermsIDs []string
}

// DuplicateCandidate summarizes another job carrying the same audio hash.
type DuplicateCandidate struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// PreflightResult is the job after policy evaluation plus a checks summary.
type PreflightResult struct {
	Job        *Job
	Checks     map[string]string
	Duplicates []DuplicateCandidate
}

// preflightFrom are the statuses a preflight may begin from. rejected is
// included so a client can correct inputs and re-check.
var preflightFrom = []Status{
	StatusStaged, StatusChecking, StatusManualReview, StatusPolicyPassed, StatusRejected,
}

// duplicateScanStatuses are the statuses counted as live duplicates.
var duplicateScanStatuses = []Status{
	StatusPolicyPassed, StatusAnchoring, StatusAnchored, StatusRegistering, StatusRegistered,
}

// Preflight runs the policy checks for a job and lands it on policy_passed,
// manual_review, or rejected. A gateway outage is a soft failure: the job
// returns to staged with decision pending so the client can retry without
// restaging.
func (m *Machine) Preflight(ctx context.Context, userAddress, jobID string,
	in PreflightInput) (*PreflightResult, *OpError) {

	job, opErr := m.getOwned(ctx, userAddress, jobID)
	if opErr != nil {
		return nil, opErr
	}

	won, err := m.store.TransitionStatus(ctx, job.JobID, preflightFrom, StatusChecking)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "preflight transition failed", err)
	}
	if !won {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus,
			fmt.Sprintf("preflight not allowed from status %s", job.Status), current)
	}
	job.Status = StatusChecking

	// Merge late-bound fields before evaluating policy.
	if in.PublishType != "" {
		job.PublishType = in.PublishType
	}
	if in.Fingerprint != "" && !job.Fingerprint.Valid {
		if len(in.Fingerprint) > MaxFingerprintBytes {
			return nil, m.preflightReject(ctx, job, CodeFileTooLarge, "fingerprint too large")
		}
		job.Fingerprint = nullStr(in.Fingerprint)
	}
	if in.DurationS > 0 && !job.DurationS.Valid {
		job.DurationS = sql.NullInt64{Int64: in.DurationS, Valid: true}
	}
	if len(in.ParentIPIDs) > 0 || len(in.LicenseTermsIDs) > 0 {
		if err := job.SetParentLists(in.ParentIPIDs, in.LicenseTermsIDs); err != nil {
			return nil, m.preflightReject(ctx, job, CodeParentLinkRequired, "unreadable parent lists")
		}
	}

	checks := map[string]string{"acoustid": "deferred_not_implemented"}

	switch job.PublishType {
	case PublishDerivative, PublishCover:
		parents, terms, err := job.ParentLists()
		if err != nil || len(parents) == 0 || len(parents) != len(terms) {
			return nil, m.preflightReject(ctx, job, CodeParentLinkRequired,
				"derivative and cover publishes require equal-length parentIpIds and licenseTermsIds")
		}
	default:
		if !job.AudioSha256.Valid || !job.StagedGatewayURL.Valid {
			return nil, m.preflightReject(ctx, job, CodeAudioSha256Required,
				"original publishes require audioSha256 and a staged upload")
		}
	}

	var duplicates []DuplicateCandidate
	if job.PublishType == PublishOriginal {
		data, err := m.uploads.Download(ctx, job.StagedGatewayURL.String, MaxAudioBytes)
		if errors.Is(err, uploader.ErrPayloadTooLarge) {
			return nil, m.preflightReject(ctx, job, CodeFileTooLarge,
				fmt.Sprintf("staged payload exceeds %d bytes", MaxAudioBytes))
		}
		if err != nil {
			// Soft failure: back to staged, decision pending, 502 to the caller.
			job.Status = StatusStaged
			job.PolicyDecision = nullStr(string(DecisionPending))
			job.PolicyReasonCode = nullStr(CodeHashUnavailable)
			job.PolicyReasonText = nullStr("staged bytes could not be fetched for verification")
			if _, saveErr := m.store.SaveJob(ctx, job, StatusChecking); saveErr != nil {
				m.log.ErrorContext(ctx, "failed to record pending preflight",
					"job_id", job.JobID, "error", saveErr)
			}
			return nil, upstreamErr(CodeHashUnavailable,
				"hash verification unavailable, retry preflight", err, job)
		}
		if sha256Hex(data) != job.AudioSha256.String {
			return nil, m.preflightReject(ctx, job, CodeHashMismatch,
				"staged bytes do not match the declared audioSha256")
		}
		checks["hashVerified"] = "true"

		dupes, err := m.store.FindJobsByAudioHash(ctx, job.AudioSha256.String,
			duplicateScanStatuses, job.JobID)
		if err != nil {
			return nil, internalErr(CodeStorageFailure, "duplicate scan failed", err)
		}
		for _, d := range dupes {
			duplicates = append(duplicates, DuplicateCandidate{
				JobID:     d.JobID,
				Status:    string(d.Status),
				CreatedAt: d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
		if len(duplicates) > 0 {
			checks["hashDuplicate"] = CodeWarnDuplicateFound
		} else {
			checks["hashDuplicate"] = "none"
		}
	}

	// Missing supporting artifacts downgrade to manual review, never reject.
	reviewCode := ""
	switch {
	case job.PolicyReasonCode.Valid && job.PolicyReasonCode.String == CodeLyricsFlagged:
		reviewCode = CodeLyricsFlagged
	case job.PublishType == PublishOriginal && !job.CoverItemID.Valid:
		reviewCode = CodeCoverRequired
	case job.PublishType == PublishOriginal && !job.LyricsItemID.Valid:
		reviewCode = CodeLyricsRequired
	case job.PublishType == PublishOriginal && !job.Fingerprint.Valid:
		reviewCode = CodeFingerprintRequired
	}

	if reviewCode != "" {
		job.Status = StatusManualReview
		job.PolicyDecision = nullStr(string(DecisionManualReview))
		job.PolicyReasonCode = nullStr(reviewCode)
		if reviewCode != CodeLyricsFlagged {
			job.PolicyReasonText = nullStr("supporting artifact missing, queued for review")
		}
	} else {
		job.Status = StatusPolicyPassed
		job.PolicyDecision = nullStr(string(DecisionPass))
		if len(duplicates) > 0 {
			job.PolicyReasonCode = nullStr(CodeWarnDuplicateFound)
			job.PolicyReasonText = nullStr(
				fmt.Sprintf("%d other live jobs carry the same audio hash", len(duplicates)))
		} else {
			job.PolicyReasonCode = sql.NullString{}
			job.PolicyReasonText = sql.NullString{}
		}
		job.ErrorCode = sql.NullString{}
		job.ErrorMessage = sql.NullString{}
	}

	held, err := m.store.SaveJob(ctx, job, StatusChecking)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "failed to record policy decision", err)
	}
	if !held {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus, "job status changed during preflight", current)
	}

	m.log.InfoContext(ctx, "preflight completed",
		"job_id", job.JobID, "decision", job.PolicyDecision.String,
		"status", job.Status, "duplicates", len(duplicates))
	return &PreflightResult{Job: job, Checks: checks, Duplicates: duplicates}, nil
}

// preflightReject lands the job on rejected with a structured reason and
// returns the matching 400-class error.
func (m *Machine) preflightReject(ctx context.Context, job *Job, code, reason string) *OpError {
	job.Status = StatusRejected
	job.PolicyDecision = nullStr(string(DecisionReject))
	job.PolicyReasonCode = nullStr(code)
	job.PolicyReasonText = nullStr(reason)
	if _, err := m.store.SaveJob(ctx, job, StatusChecking); err != nil {
		m.log.ErrorContext(ctx, "failed to record rejection",
			"job_id", job.JobID, "error", err)
	}
	return &OpError{Code: code, Message: reason, HTTPStatus: http.StatusUnprocessableEntity, Job: job}
}
