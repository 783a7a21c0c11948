// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the control plane's request and response shapes.
// The wire casing is camelCase; nullable database columns serialize as
// omitted fields rather than JSON nulls.
package datatypes

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/AleutianAI/Resonate/services/publish"
)

// JobView is the serialized form of a publish job row.
type JobView struct {
	JobID         string `json:"jobId"`
	UserAddress   string `json:"userAddress"`
	Status        string `json:"status"`
	PublishType   string `json:"publishType"`
	FileName      string `json:"fileName"`
	ContentType   string `json:"contentType"`
	FileSizeBytes int64  `json:"fileSizeBytes"`

	AudioSha256      string `json:"audioSha256,omitempty"`
	Fingerprint      string `json:"fingerprint,omitempty"`
	DurationS        int64  `json:"durationS,omitempty"`
	StagedItemID     string `json:"stagedItemId,omitempty"`
	StagedGatewayURL string `json:"stagedGatewayUrl,omitempty"`

	CoverItemID      string `json:"coverItemId,omitempty"`
	CoverGatewayURL  string `json:"coverGatewayUrl,omitempty"`
	CoverContentType string `json:"coverContentType,omitempty"`
	LyricsItemID     string `json:"lyricsItemId,omitempty"`
	LyricsGatewayURL string `json:"lyricsGatewayUrl,omitempty"`
	LyricsSha256     string `json:"lyricsSha256,omitempty"`

	PolicyDecision   string   `json:"policyDecision,omitempty"`
	PolicyReasonCode string   `json:"policyReasonCode,omitempty"`
	PolicyReasonText string   `json:"policyReasonText,omitempty"`
	ParentIPIDs      []string `json:"parentIpIds,omitempty"`
	LicenseTermsIDs  []string `json:"licenseTermsIds,omitempty"`

	AnchoredDataitemID string `json:"anchoredDataitemId,omitempty"`
	ArweaveRef         string `json:"arweaveRef,omitempty"`
	ArweaveURL         string `json:"arweaveUrl,omitempty"`
	GatewayAvailable   *bool  `json:"gatewayAvailable,omitempty"`

	MetadataStatus  string `json:"metadataStatus,omitempty"`
	MetadataError   string `json:"metadataError,omitempty"`
	IPMetadataURI   string `json:"ipMetadataUri,omitempty"`
	IPMetadataHash  string `json:"ipMetadataHash,omitempty"`
	NFTMetadataURI  string `json:"nftMetadataUri,omitempty"`
	NFTMetadataHash string `json:"nftMetadataHash,omitempty"`

	StoryTxHash          string   `json:"storyTxHash,omitempty"`
	StoryIPID            string   `json:"storyIpId,omitempty"`
	StoryTokenID         string   `json:"storyTokenId,omitempty"`
	StoryLicenseTermsIDs []string `json:"storyLicenseTermsIds,omitempty"`
	StoryBlockNumber     string   `json:"storyBlockNumber,omitempty"`

	// TempoTxHash is canonical; MegaethTxHash repeats it for clients that
	// still read the old field name.
	TempoTxHash   string `json:"tempoTxHash,omitempty"`
	MegaethTxHash string `json:"megaethTxHash,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewJobView projects a job row into its wire form.
func NewJobView(job *publish.Job) *JobView {
	if job == nil {
		return nil
	}
	view := &JobView{
		JobID:         job.JobID,
		UserAddress:   job.UserAddress,
		Status:        string(job.Status),
		PublishType:   string(job.PublishType),
		FileName:      job.FileName,
		ContentType:   job.ContentType,
		FileSizeBytes: job.FileSizeBytes,

		AudioSha256:      nullable(job.AudioSha256),
		Fingerprint:      nullable(job.Fingerprint),
		StagedItemID:     nullable(job.StagedItemID),
		StagedGatewayURL: nullable(job.StagedGatewayURL),

		CoverItemID:      nullable(job.CoverItemID),
		CoverGatewayURL:  nullable(job.CoverGatewayURL),
		CoverContentType: nullable(job.CoverContentType),
		LyricsItemID:     nullable(job.LyricsItemID),
		LyricsGatewayURL: nullable(job.LyricsGatewayURL),
		LyricsSha256:     nullable(job.LyricsSha256),

		PolicyDecision:   nullable(job.PolicyDecision),
		PolicyReasonCode: nullable(job.PolicyReasonCode),
		PolicyReasonText: nullable(job.PolicyReasonText),

		AnchoredDataitemID: nullable(job.AnchoredItemID),
		ArweaveRef:         nullable(job.ArweaveRef),
		ArweaveURL:         nullable(job.ArweaveURL),

		MetadataStatus:  nullable(job.MetadataStatus),
		MetadataError:   nullable(job.MetadataError),
		IPMetadataURI:   nullable(job.IPMetadataURI),
		IPMetadataHash:  nullable(job.IPMetadataHash),
		NFTMetadataURI:  nullable(job.NFTMetadataURI),
		NFTMetadataHash: nullable(job.NFTMetadataHash),

		StoryTxHash:      nullable(job.StoryTxHash),
		StoryIPID:        nullable(job.StoryIPID),
		StoryTokenID:     nullable(job.StoryTokenID),
		StoryBlockNumber: nullable(job.StoryBlockNumber),
		TempoTxHash:      nullable(job.TempoTxHash),
		MegaethTxHash:    nullable(job.TempoTxHash),

		ErrorCode:    nullable(job.ErrorCode),
		ErrorMessage: nullable(job.ErrorMessage),

		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.DurationS.Valid {
		view.DurationS = job.DurationS.Int64
	}
	if job.GatewayAvailable.Valid {
		available := job.GatewayAvailable.Bool
		view.GatewayAvailable = &available
	}
	if parents, terms, err := job.ParentLists(); err == nil {
		view.ParentIPIDs = parents
		view.LicenseTermsIDs = terms
	}
	if job.StoryLicenseTermsIDs.Valid && job.StoryLicenseTermsIDs.String != "" {
		var ids []string
		if err := json.Unmarshal([]byte(job.StoryLicenseTermsIDs.String), &ids); err == nil {
			view.StoryLicenseTermsIDs = ids
		}
	}
	return view
}

func nullable(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

// PreflightRequest carries the optional late-bound policy inputs.
type PreflightRequest struct {
	JobID           string   `json:"jobId" binding:"required"`
	PublishType     string   `json:"publishType,omitempty"`
	Fingerprint     string   `json:"fingerprint,omitempty"`
	DurationS       int64    `json:"durationS,omitempty"`
	ParentIPIDs     []string `json:"parentIpIds,omitempty"`
	LicenseTermsIDs []string `json:"licenseTermsIds,omitempty"`
}

// PreflightResponse is the job plus the per-check outcome map.
type PreflightResponse struct {
	Job        *JobView          `json:"job"`
	Checks     map[string]string `json:"checks"`
	Duplicates []DuplicateView   `json:"duplicates,omitempty"`
}

// DuplicateView summarizes another live job with the same audio hash.
type DuplicateView struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// MetadataRequest carries the two metadata documents verbatim.
type MetadataRequest struct {
	IPMetadataJSON  json.RawMessage `json:"ipMetadataJson" binding:"required"`
	NFTMetadataJSON json.RawMessage `json:"nftMetadataJson" binding:"required"`
}

// RegisterRequest carries the on-chain registration parameters.
type RegisterRequest struct {
	Recipient       string `json:"recipient,omitempty"`
	IPMetadataURI   string `json:"ipMetadataUri,omitempty"`
	IPMetadataHash  string `json:"ipMetadataHash,omitempty"`
	NFTMetadataURI  string `json:"nftMetadataUri,omitempty"`
	NFTMetadataHash string `json:"nftMetadataHash,omitempty"`

	CommercialRevShare uint32 `json:"commercialRevShare,omitempty"`
	MintingFee         string `json:"mintingFee,omitempty"`
	Currency           string `json:"currency,omitempty"`
	RoyaltyPolicy      string `json:"royaltyPolicy,omitempty"`

	ParentIPIDs     []string `json:"parentIpIds,omitempty"`
	LicenseTermsIDs []string `json:"licenseTermsIds,omitempty"`
	LicenseTemplate string   `json:"licenseTemplate,omitempty"`
	RoyaltyContext  string   `json:"royaltyContext,omitempty"`
	MaxMintingFee   string   `json:"maxMintingFee,omitempty"`
	MaxRts          uint32   `json:"maxRts,omitempty"`
	MaxRevenueShare uint32   `json:"maxRevenueShare,omitempty"`

	AllowDuplicates bool `json:"allowDuplicates,omitempty"`
}

// FinalizeRequest carries the track/content registry registration inputs.
type FinalizeRequest struct {
	Title        string `json:"title" binding:"required"`
	Artist       string `json:"artist" binding:"required"`
	Album        string `json:"album,omitempty"`
	DurationS    int64  `json:"durationS,omitempty"`
	PieceCID     string `json:"pieceCid,omitempty"`
	DatasetOwner string `json:"datasetOwner,omitempty"`
	Algo         uint8  `json:"algo,omitempty"`
}

// FinalizeResponse reports which chain steps acted in this call.
type FinalizeResponse struct {
	Job               *JobView `json:"job"`
	TrackRegistered   bool     `json:"trackRegistered"`
	CoverSet          bool     `json:"coverSet"`
	ContentRegistered bool     `json:"contentRegistered"`
	TxHash            string   `json:"txHash,omitempty"`
}
