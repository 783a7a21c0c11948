// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package publish owns the music publish job lifecycle: staging an upload,
// preflight policy checks, anchoring to the append-only store, metadata
// anchoring, on-chain registration, and the secondary finalize registration.
//
// Every transition that must be serial is a conditional update against the
// expected prior status; the first writer wins and a losing racer observes
// the new status and returns a conflict. Chain work is non-transactional,
// so local writes happen only after on-chain confirmation and replays
// re-check observed on-chain state instead of double-registering.
package publish

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status is the publish job lifecycle state.
type Status string

const (
	StatusStaged       Status = "staged"
	StatusChecking     Status = "checking"
	StatusPolicyPassed Status = "policy_passed"
	StatusManualReview Status = "manual_review"
	StatusRejected     Status = "rejected"
	StatusAnchoring    Status = "anchoring"
	StatusAnchored     Status = "anchored"
	StatusRegistering  Status = "registering"
	StatusRegistered   Status = "registered"
)

// AllStatuses enumerates every legal job status.
var AllStatuses = []Status{
	StatusStaged, StatusChecking, StatusPolicyPassed, StatusManualReview,
	StatusRejected, StatusAnchoring, StatusAnchored, StatusRegistering,
	StatusRegistered,
}

// PublishType distinguishes the licensing path of an upload.
type PublishType string

const (
	PublishOriginal   PublishType = "original"
	PublishDerivative PublishType = "derivative"
	PublishCover      PublishType = "cover"
)

// PolicyDecision is the outcome of preflight.
type PolicyDecision string

const (
	DecisionPass         PolicyDecision = "pass"
	DecisionPending      PolicyDecision = "pending"
	DecisionManualReview PolicyDecision = "manual_review"
	DecisionReject       PolicyDecision = "reject"
)

// MetadataStatus tracks the independent metadata anchoring sub-lifecycle.
type MetadataStatus string

const (
	MetadataNone      MetadataStatus = "none"
	MetadataAnchoring MetadataStatus = "anchoring"
	MetadataAnchored  MetadataStatus = "anchored"
	MetadataFailed    MetadataStatus = "failed"
)

// Size and shape limits for publish inputs.
const (
	MaxAudioBytes       = 50 << 20  // 50 MiB
	MaxCoverBytes       = 10 << 20  // 10 MiB
	MaxLyricsBytes      = 256 << 10 // 256 KiB
	MaxMetadataBytes    = 256 << 10 // 256 KiB per document
	MaxFingerprintBytes = 32 << 10  // 32 KiB
	MaxIdempotencyKey   = 128
	MaxTextFieldBytes   = 128 // finalize title/artist/album
	MaxPieceCIDBytes    = 128

	// Rolling 24-hour publish budget per wallet.
	RateWindow         = 24 * time.Hour
	MaxPublishesPerDay = 20
	MaxBytesPerDay     = int64(500) << 20 // 500 MiB
)

// Job is a row of music_publish_jobs. Optional columns are nullable types
// so partial facets round-trip the database unchanged.
type Job struct {
	JobID          string         `db:"job_id"`
	UserAddress    string         `db:"user_address"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`

	// Upload facet.
	FileName         string         `db:"file_name"`
	ContentType      string         `db:"content_type"`
	FileSizeBytes    int64          `db:"file_size_bytes"`
	AudioSha256      sql.NullString `db:"audio_sha256"`
	Fingerprint      sql.NullString `db:"fingerprint"`
	DurationS        sql.NullInt64  `db:"duration_s"`
	StagedItemID     sql.NullString `db:"staged_item_id"`
	StagedGatewayURL sql.NullString `db:"staged_gateway_url"`

	// Artifact facets.
	CoverItemID      sql.NullString `db:"cover_item_id"`
	CoverGatewayURL  sql.NullString `db:"cover_gateway_url"`
	CoverContentType sql.NullString `db:"cover_content_type"`
	CoverSizeBytes   sql.NullInt64  `db:"cover_size_bytes"`
	LyricsItemID     sql.NullString `db:"lyrics_item_id"`
	LyricsGatewayURL sql.NullString `db:"lyrics_gateway_url"`
	LyricsSha256     sql.NullString `db:"lyrics_sha256"`
	LyricsSizeBytes  sql.NullInt64  `db:"lyrics_size_bytes"`

	// Policy facet. Parent and license-terms lists are JSON-encoded arrays
	// to keep ordering stable in a single column.
	PublishType      PublishType    `db:"publish_type"`
	PolicyDecision   sql.NullString `db:"policy_decision"`
	PolicyReasonCode sql.NullString `db:"policy_reason_code"`
	PolicyReasonText sql.NullString `db:"policy_reason_text"`
	ParentIPIDs      sql.NullString `db:"parent_ip_ids"`
	LicenseTermsIDs  sql.NullString `db:"license_terms_ids"`

	// Anchor facet.
	AnchoredItemID   sql.NullString `db:"anchored_dataitem_id"`
	ArweaveRef       sql.NullString `db:"arweave_ref"`
	ArweaveURL       sql.NullString `db:"arweave_url"`
	GatewayAvailable sql.NullBool   `db:"gateway_available"`
	AnchorPayload    sql.NullString `db:"anchor_payload"`

	// Metadata facet.
	MetadataStatus    sql.NullString `db:"metadata_status"`
	MetadataError     sql.NullString `db:"metadata_error"`
	IPMetadataURI     sql.NullString `db:"ip_metadata_uri"`
	IPMetadataHash    sql.NullString `db:"ip_metadata_hash"`
	IPMetadataItemID  sql.NullString `db:"ip_metadata_item_id"`
	NFTMetadataURI    sql.NullString `db:"nft_metadata_uri"`
	NFTMetadataHash   sql.NullString `db:"nft_metadata_hash"`
	NFTMetadataItemID sql.NullString `db:"nft_metadata_item_id"`

	// Registration facet.
	StoryTxHash          sql.NullString `db:"story_tx_hash"`
	StoryIPID            sql.NullString `db:"story_ip_id"`
	StoryTokenID         sql.NullString `db:"story_token_id"`
	StoryLicenseTermsIDs sql.NullString `db:"story_license_terms_ids"`
	StoryBlockNumber     sql.NullString `db:"story_block_number"`
	// TempoTxHash is the finalize (secondary registration) transaction.
	// Serialized as both tempoTxHash and the back-compat megaethTxHash.
	TempoTxHash sql.NullString `db:"tempo_tx_hash"`

	// Error facet.
	ErrorCode    sql.NullString `db:"error_code"`
	ErrorMessage sql.NullString `db:"error_message"`

	Status    Status    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// jobIDAlphabet is base36; 11 random chars after the prefix give a 17-char id.
const jobIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewJobID returns a fresh opaque job id of the form music_XXXXXXXXXXX.
func NewJobID() string {
	buf := make([]byte, 11)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	id := make([]byte, 0, 17)
	id = append(id, "music_"...)
	for _, b := range buf {
		id = append(id, jobIDAlphabet[int(b)%len(jobIDAlphabet)])
	}
	return string(id)
}

// ParentLists decodes the JSON-encoded parent IP and license-terms arrays.
// Absent columns decode as empty slices.
func (j *Job) ParentLists() (parents []string, terms []string, err error) {
	if j.ParentIPIDs.Valid && j.ParentIPIDs.String != "" {
		if err = json.Unmarshal([]byte(j.ParentIPIDs.String), &parents); err != nil {
			return nil, nil, err
		}
	}
	if j.LicenseTermsIDs.Valid && j.LicenseTermsIDs.String != "" {
		if err = json.Unmarshal([]byte(j.LicenseTermsIDs.String), &terms); err != nil {
			return nil, nil, err
		}
	}
	return parents, terms, nil
}

// SetParentLists stores the ordered lists as JSON-encoded arrays.
func (j *Job) SetParentLists(parents, terms []string) error {
	parentJSON, err := json.Marshal(parents)
	if err != nil {
		return err
	}
	termsJSON, err := json.Marshal(terms)
	if err != nil {
		return err
	}
	j.ParentIPIDs = sql.NullString{String: string(parentJSON), Valid: true}
	j.LicenseTermsIDs = sql.NullString{String: string(termsJSON), Valid: true}
	return nil
}

// nullStr wraps a possibly-empty string into sql.NullString.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// sha256Hex returns the lowercase hex digest of data.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// truncateError clamps stored error text to 1024 chars.
func truncateError(msg string) string {
	const maxLen = 1024
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
