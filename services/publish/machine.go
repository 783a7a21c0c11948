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
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AleutianAI/Resonate/pkg/validation"
	"github.com/AleutianAI/Resonate/services/chain"
	"github.com/AleutianAI/Resonate/services/moderation"
	"github.com/AleutianAI/Resonate/services/uploader"
)

// ====================================================================
// Collaborator interfaces
// ====================================================================

// Uploader is the slice of the upload-service client the machine uses.
type Uploader interface {
	Configured() bool
	GatewayURL(id string) string
	Upload(ctx context.Context, filename string, data []byte, contentType string,
		tags []uploader.Tag) (*uploader.StageResult, error)
	Post(ctx context.Context, id string) (json.RawMessage, error)
	ProbeGateway(ctx context.Context, id string) bool
	Download(ctx context.Context, gatewayURL string, maxBytes int64) ([]byte, error)
}

// Registrar is the slice of the chain client the machine uses. A nil
// Registrar means the chain is unconfigured and register/finalize fail
// with config_missing.
type Registrar interface {
	Collection() common.Address
	TxTimeout() time.Duration
	MintAndRegisterWithPILTerms(ctx context.Context, recipient common.Address,
		metadata chain.IPMetadata, terms []chain.PILTerms, allowDuplicates bool) (*chain.RegisterResult, error)
	MintAndRegisterDerivative(ctx context.Context, recipient common.Address,
		derivData chain.DerivativeData, metadata chain.IPMetadata, allowDuplicates bool) (*chain.RegisterResult, error)
	RegisterTracks(ctx context.Context, tracks []chain.TrackRecord) (*types.Transaction, error)
	SetTrackCovers(ctx context.Context, trackIDs, coverRefs [][32]byte) (*types.Transaction, error)
	RegisterContentFor(ctx context.Context, contentID, trackID [32]byte,
		owner common.Address, pieceCID []byte) (*types.Transaction, error)
	IsTrackRegistered(ctx context.Context, trackID [32]byte) (bool, error)
	GetContent(ctx context.Context, contentID [32]byte) (*chain.ContentEntry, error)
	WaitMinedWithin(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Moderator scans staged text artifacts against the content rule set.
type Moderator interface {
	Scan(text string) *moderation.Finding
}

// Machine drives the publish job lifecycle. All operations are scoped to a
// user address and return *OpError on failure so handlers can map status
// codes without inspecting error strings.
type Machine struct {
	store     Store
	uploads   Uploader
	registry  Registrar
	moderator Moderator
	log       *slog.Logger
}

// NewMachine wires the state machine. registry may be nil when no chain
// endpoint is configured.
func NewMachine(store Store, uploads Uploader, registry Registrar, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{store: store, uploads: uploads, registry: registry, log: log}
}

// WithModeration attaches a content moderator. Lyrics are scanned at staging
// time; a nil moderator disables the scan.
func (m *Machine) WithModeration(mod Moderator) *Machine {
	m.moderator = mod
	return m
}

// ====================================================================
// start
// ====================================================================

// StartInput carries the multipart fields of a publish start request.
type StartInput struct {
	FileName       string
	ContentType    string
	Data           []byte
	PublishType    PublishType
	AudioSha256    string
	Fingerprint    string
	DurationS      int64
	Tags           []uploader.Tag
	IdempotencyKey string
}

// Start gates access, enforces the rolling publish budget, stages the file,
// and creates the job at status staged. A matching idempotency key short-
// circuits to the prior job without staging again.
func (m *Machine) Start(ctx context.Context, userAddress string, in StartInput) (*Job, *OpError) {
	if m.uploads == nil || !m.uploads.Configured() {
		return nil, &OpError{Code: CodeConfigMissing, Message: "upload service is not configured",
			HTTPStatus: http.StatusServiceUnavailable}
	}
	if opErr := m.authorize(ctx, userAddress); opErr != nil {
		return nil, opErr
	}

	if len(in.Data) == 0 {
		return nil, validationErr(CodeFileEmpty, "uploaded file is empty")
	}
	if int64(len(in.Data)) > MaxAudioBytes {
		return nil, validationErr(CodeFileTooLarge,
			fmt.Sprintf("file exceeds %d bytes", MaxAudioBytes))
	}
	if !strings.HasPrefix(in.ContentType, "audio/") {
		return nil, validationErr(CodeBadContentType, "content type must be audio/*")
	}
	if in.PublishType == "" {
		in.PublishType = PublishOriginal
	}
	switch in.PublishType {
	case PublishOriginal, PublishDerivative, PublishCover:
	default:
		return nil, validationErr(CodeBadContentType,
			fmt.Sprintf("unknown publish type %q", in.PublishType))
	}
	if len(in.IdempotencyKey) > MaxIdempotencyKey {
		return nil, validationErr(CodeBadContentType, "idempotency key too long")
	}
	if in.Fingerprint != "" && len(in.Fingerprint) > MaxFingerprintBytes {
		return nil, validationErr(CodeFileTooLarge, "fingerprint too large")
	}
	if in.DurationS < 0 {
		return nil, validationErr(CodeBadContentType, "durationS must be positive")
	}

	audioSha := strings.ToLower(strings.TrimSpace(in.AudioSha256))
	if in.PublishType == PublishOriginal {
		if audioSha == "" {
			return nil, validationErr(CodeAudioSha256Required,
				"original publishes must declare audioSha256")
		}
		if err := validation.ValidateSha256Hex(audioSha); err != nil {
			return nil, validationErr(CodeAudioSha256Required, err.Error())
		}
	}

	if in.IdempotencyKey != "" {
		prior, err := m.store.FindByIdempotencyKey(ctx, userAddress, in.IdempotencyKey)
		if err == nil {
			m.log.InfoContext(ctx, "publish start replayed by idempotency key",
				"job_id", prior.JobID, "user", userAddress)
			return prior, nil
		}
		if err != ErrJobNotFound {
			return nil, internalErr(CodeStorageFailure, "idempotency lookup failed", err)
		}
	}

	if opErr := m.checkRateBudget(ctx, userAddress, int64(len(in.Data))); opErr != nil {
		return nil, opErr
	}

	staged, err := m.uploads.Upload(ctx, in.FileName, in.Data, in.ContentType, in.Tags)
	if err != nil {
		return nil, upstreamErr(CodeAnchorFailed, "failed to stage upload", err, nil)
	}

	job := &Job{
		JobID:            NewJobID(),
		UserAddress:      userAddress,
		IdempotencyKey:   nullStr(in.IdempotencyKey),
		FileName:         in.FileName,
		ContentType:      in.ContentType,
		FileSizeBytes:    int64(len(in.Data)),
		AudioSha256:      nullStr(audioSha),
		Fingerprint:      nullStr(in.Fingerprint),
		PublishType:      in.PublishType,
		StagedItemID:     nullStr(staged.ID),
		StagedGatewayURL: nullStr(staged.GatewayURL),
		Status:           StatusStaged,
	}
	if in.DurationS > 0 {
		job.DurationS = sql.NullInt64{Int64: in.DurationS, Valid: true}
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, internalErr(CodeStorageFailure, "failed to persist job", err)
	}
	m.log.InfoContext(ctx, "publish job staged",
		"job_id", job.JobID, "user", userAddress, "bytes", job.FileSizeBytes,
		"publish_type", job.PublishType)
	return job, nil
}

func (m *Machine) authorize(ctx context.Context, userAddress string) *OpError {
	verified, err := m.store.HasVerifiedIdentity(ctx, userAddress)
	if err != nil {
		return internalErr(CodeStorageFailure, "identity lookup failed", err)
	}
	if !verified {
		return &OpError{
			Code:       CodeIdentityUnverified,
			Message:    "identity verification required before publishing",
			HTTPStatus: http.StatusForbidden,
		}
	}
	banned, err := m.store.ActiveUploadBan(ctx, userAddress)
	if err != nil {
		return internalErr(CodeStorageFailure, "ban lookup failed", err)
	}
	if banned {
		return &OpError{
			Code:       CodeUploadBanned,
			Message:    "uploads are blocked for this account",
			HTTPStatus: http.StatusForbidden,
		}
	}
	return nil
}

func (m *Machine) checkRateBudget(ctx context.Context, userAddress string, incoming int64) *OpError {
	count, err := m.store.CountRecentPublishes(ctx, userAddress, RateWindow)
	if err != nil {
		return internalErr(CodeStorageFailure, "rate counter failed", err)
	}
	if count >= MaxPublishesPerDay {
		return rateLimitErr(CodeRateLimitedCount,
			fmt.Sprintf("publish limit of %d per 24h reached", MaxPublishesPerDay))
	}
	total, err := m.store.SumRecentBytes(ctx, userAddress, RateWindow)
	if err != nil {
		return internalErr(CodeStorageFailure, "byte counter failed", err)
	}
	if total+incoming > MaxBytesPerDay {
		return rateLimitErr(CodeRateLimitedBytes,
			fmt.Sprintf("byte budget of %d per 24h exceeded", MaxBytesPerDay))
	}
	return nil
}

// ====================================================================
// stage_artifacts
// ====================================================================

// ArtifactsInput carries optional cover and lyrics payloads.
type ArtifactsInput struct {
	CoverFileName    string
	CoverContentType string
	CoverData        []byte
	LyricsText       string
}

// artifactStatuses are the statuses that still accept artifact staging.
var artifactStatuses = map[Status]bool{
	StatusStaged: true, StatusChecking: true,
	StatusManualReview: true, StatusPolicyPassed: true,
}

// StageArtifacts stages the cover and lyrics for a job. Each artifact is
// staged at most once; re-sending an already-staged artifact is a no-op.
func (m *Machine) StageArtifacts(ctx context.Context, userAddress, jobID string,
	in ArtifactsInput) (*Job, *OpError) {

	job, opErr := m.getOwned(ctx, userAddress, jobID)
	if opErr != nil {
		return nil, opErr
	}
	if !artifactStatuses[job.Status] {
		return nil, conflictErr(CodeWrongStatus,
			fmt.Sprintf("artifacts cannot be staged at status %s", job.Status), job)
	}

	if len(in.CoverData) > 0 && !job.CoverItemID.Valid {
		if int64(len(in.CoverData)) > MaxCoverBytes {
			return nil, validationErr(CodeFileTooLarge,
				fmt.Sprintf("cover exceeds %d bytes", MaxCoverBytes))
		}
		coverType := in.CoverContentType
		if coverType == "" {
			coverType = http.DetectContentType(in.CoverData)
		}
		if !strings.HasPrefix(coverType, "image/") {
			return nil, validationErr(CodeBadContentType, "cover must be image/*")
		}
		staged, err := m.uploads.Upload(ctx, in.CoverFileName, in.CoverData, coverType,
			[]uploader.Tag{{Key: "role", Value: "cover"}, {Key: "job", Value: job.JobID}})
		if err != nil {
			return nil, upstreamErr(CodeAnchorFailed, "failed to stage cover", err, job)
		}
		job.CoverItemID = nullStr(staged.ID)
		job.CoverGatewayURL = nullStr(staged.GatewayURL)
		job.CoverContentType = nullStr(coverType)
		job.CoverSizeBytes = sql.NullInt64{Int64: int64(len(in.CoverData)), Valid: true}
	}

	if in.LyricsText != "" && !job.LyricsItemID.Valid {
		lyricsBytes := []byte(in.LyricsText)
		if int64(len(lyricsBytes)) > MaxLyricsBytes {
			return nil, validationErr(CodeFileTooLarge,
				fmt.Sprintf("lyrics exceed %d bytes", MaxLyricsBytes))
		}
		if m.moderator != nil {
			if finding := m.moderator.Scan(in.LyricsText); finding != nil {
				if finding.Action == moderation.ActionReject {
					return nil, validationErr(CodeLyricsFlagged,
						fmt.Sprintf("lyrics refused: %s (%s)", finding.Classification, finding.PatternID))
				}
				job.PolicyReasonCode = nullStr(CodeLyricsFlagged)
				job.PolicyReasonText = nullStr(
					fmt.Sprintf("lyrics matched %s rule %s", finding.Classification, finding.PatternID))
				m.log.WarnContext(ctx, "lyrics flagged for review",
					"job_id", job.JobID, "classification", finding.Classification,
					"pattern", finding.PatternID)
			}
		}
		staged, err := m.uploads.Upload(ctx, "lyrics.txt", lyricsBytes, "text/plain; charset=utf-8",
			[]uploader.Tag{{Key: "role", Value: "lyrics"}, {Key: "job", Value: job.JobID}})
		if err != nil {
			return nil, upstreamErr(CodeAnchorFailed, "failed to stage lyrics", err, job)
		}
		job.LyricsItemID = nullStr(staged.ID)
		job.LyricsGatewayURL = nullStr(staged.GatewayURL)
		job.LyricsSha256 = nullStr("0x" + sha256Hex(lyricsBytes))
		job.LyricsSizeBytes = sql.NullInt64{Int64: int64(len(lyricsBytes)), Valid: true}
	}

	held, err := m.store.SaveJob(ctx, job, job.Status)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "failed to save artifacts", err)
	}
	if !held {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus, "job status changed while staging artifacts", current)
	}
	return job, nil
}

// ====================================================================
// reads
// ====================================================================

// Get returns the job scoped to its owner.
func (m *Machine) Get(ctx context.Context, userAddress, jobID string) (*Job, *OpError) {
	return m.getOwned(ctx, userAddress, jobID)
}

func (m *Machine) getOwned(ctx context.Context, userAddress, jobID string) (*Job, *OpError) {
	job, err := m.store.GetJobForUser(ctx, jobID, userAddress)
	if err == ErrJobNotFound {
		return nil, notFoundErr(fmt.Sprintf("no publish job %s for this account", jobID))
	}
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "job read failed", err)
	}
	return job, nil
}

// recordFailure rolls the job back to prior and stores the error facet. The
// rollback itself is conditional so a concurrent winner is never clobbered.
func (m *Machine) recordFailure(ctx context.Context, job *Job, from, prior Status, code, msg string) {
	job.Status = prior
	job.ErrorCode = nullStr(code)
	job.ErrorMessage = nullStr(truncateError(msg))
	if held, err := m.store.SaveJob(ctx, job, from); err != nil || !held {
		m.log.ErrorContext(ctx, "failed to roll back publish job",
			"job_id", job.JobID, "from", from, "to", prior, "error", err)
	}
}

func registerRecipient(job *Job, requested string) (common.Address, error) {
	addr := strings.TrimSpace(requested)
	if addr == "" {
		addr = job.UserAddress
	}
	normalized, err := validation.SanitizeHexAddress(strings.TrimPrefix(strings.ToLower(addr), "0x"))
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(normalized), nil
}

func parseBigInt(s string, name string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	if err := validation.ValidateDecimalString(s); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not a decimal integer", name)
	}
	return v, nil
}
