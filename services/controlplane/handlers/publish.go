// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the control plane's HTTP handlers. Handlers are
// thin glue: bind and validate the request, call the owning service, and map
// the typed error to a status code and the {error, details?, job?} envelope.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/Resonate/services/controlplane/datatypes"
	"github.com/AleutianAI/Resonate/services/controlplane/middleware"
	"github.com/AleutianAI/Resonate/services/controlplane/observability"
	"github.com/AleutianAI/Resonate/services/publish"
	"github.com/AleutianAI/Resonate/services/uploader"
)

var tracer = otel.Tracer("resonate.controlplane.handlers")

// PublishService is the slice of the publish state machine the handlers
// call. Satisfied by *publish.Machine.
type PublishService interface {
	Start(ctx context.Context, userAddress string, in publish.StartInput) (*publish.Job, *publish.OpError)
	StageArtifacts(ctx context.Context, userAddress, jobID string, in publish.ArtifactsInput) (*publish.Job, *publish.OpError)
	Preflight(ctx context.Context, userAddress, jobID string, in publish.PreflightInput) (*publish.PreflightResult, *publish.OpError)
	Get(ctx context.Context, userAddress, jobID string) (*publish.Job, *publish.OpError)
	Anchor(ctx context.Context, userAddress, jobID string) (*publish.Job, *publish.OpError)
	Metadata(ctx context.Context, userAddress, jobID string, in publish.MetadataInput) (*publish.Job, *publish.OpError)
	Register(ctx context.Context, userAddress, jobID string, in publish.RegisterInput) (*publish.Job, *publish.OpError)
	Finalize(ctx context.Context, userAddress, jobID string, in publish.FinalizeInput) (*publish.FinalizeResult, *publish.OpError)
}

// respondOpError writes the error envelope. The authoritative job row is
// attached when the machine observed one, so clients can see who won a race.
func respondOpError(c *gin.Context, stage string, opErr *publish.OpError, started time.Time) {
	observability.ObservePublishStage(stage, opErr.Code, time.Since(started))
	body := gin.H{"error": opErr.Code}
	if opErr.Message != "" {
		body["details"] = opErr.Message
	}
	if opErr.Job != nil {
		body["job"] = datatypes.NewJobView(opErr.Job)
	}
	c.JSON(opErr.HTTPStatus, body)
}

func respondJob(c *gin.Context, stage string, status int, job *publish.Job, started time.Time) {
	observability.ObservePublishStage(stage, "ok", time.Since(started))
	c.JSON(status, gin.H{"job": datatypes.NewJobView(job)})
}

// readFormFile pulls one multipart file into memory, bounded by limit.
func readFormFile(c *gin.Context, field string, limit int64) (name string, data []byte, err error) {
	header, err := c.FormFile(field)
	if err != nil {
		return "", nil, err
	}
	f, err := header.Open()
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	data, err = io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", nil, err
	}
	return header.Filename, data, nil
}

// StartPublish handles POST /publish/start.
func StartPublish(svc PublishService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "publish.start")
		defer span.End()
		started := time.Now()

		name, data, err := readFormFile(c, "file", publish.MaxAudioBytes)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": publish.CodeFileEmpty,
				"details": "multipart field 'file' is required"})
			return
		}
		contentType := c.PostForm("contentType")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		durationS, _ := strconv.ParseInt(c.PostForm("durationS"), 10, 64)

		// The tags field is a JSON array of {key,value}; a malformed array is
		// dropped rather than failing the publish.
		var tags []uploader.Tag
		if raw := c.PostForm("tags"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &tags); err != nil {
				slog.WarnContext(ctx, "ignoring malformed tags field", "error", err)
				tags = nil
			}
		}

		in := publish.StartInput{
			FileName:       name,
			ContentType:    contentType,
			Data:           data,
			PublishType:    publish.PublishType(c.PostForm("publishType")),
			AudioSha256:    c.PostForm("audioSha256"),
			Fingerprint:    c.PostForm("fingerprint"),
			DurationS:      durationS,
			Tags:           tags,
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		}
		job, opErr := svc.Start(ctx, middleware.CallerAddress(c), in)
		if opErr != nil {
			respondOpError(c, "start", opErr, started)
			return
		}
		respondJob(c, "start", http.StatusCreated, job, started)
	}
}

// StageArtifacts handles POST /publish/:jobId/artifacts/stage.
func StageArtifacts(svc PublishService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "publish.stage_artifacts")
		defer span.End()
		started := time.Now()

		var in publish.ArtifactsInput
		if name, data, err := readFormFile(c, "cover", publish.MaxCoverBytes); err == nil {
			in.CoverFileName = name
			in.CoverData = data
			in.CoverContentType = c.PostForm("coverContentType")
		}
		in.LyricsText = c.PostForm("lyricsText")

		job, opErr := svc.StageArtifacts(ctx, middleware.CallerAddress(c), c.Param("jobId"), in)
		if opErr != nil {
			respondOpError(c, "stage_artifacts", opErr, started)
			return
		}
		respondJob(c, "stage_artifacts", http.StatusOK, job, started)
	}
}

// Preflight handles POST /preflight.
func Preflight(svc PublishService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "publish.preflight")
		defer span.End()
		started := time.Now()

		var req datatypes.PreflightRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.WarnContext(ctx, "malformed preflight request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		in := publish.PreflightInput{
			PublishType:     publish.PublishType(req.PublishType),
			Fingerprint:     req.Fingerprint,
			DurationS:       req.DurationS,
			ParentIPIDs:     req.ParentIPIDs,
			LicenseTermsIDs: req.LicenseTermsIDs,
		}
		result, opErr := svc.Preflight(ctx, middleware.CallerAddress(c), req.JobID, in)
		if opErr != nil {
			respondOpError(c, "preflight", opErr, started)
			return
		}
		observability.ObservePublishStage("preflight", "ok", time.Since(started))
		resp := datatypes.PreflightResponse{
			Job:    datatypes.NewJobView(result.Job),
			Checks: result.Checks,
		}
		for _, dup := range result.Duplicates {
			resp.Duplicates = append(resp.Duplicates, datatypes.DuplicateView(dup))
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetPublishJob handles GET /publish/:jobId.
func GetPublishJob(svc PublishService) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		job, opErr := svc.Get(c.Request.Context(), middleware.CallerAddress(c), c.Param("jobId"))
		if opErr != nil {
			respondOpError(c, "get", opErr, started)
			return
		}
		respondJob(c, "get", http.StatusOK, job, started)
	}
}

// AnchorPublish handles POST /publish/:jobId/anchor.
func AnchorPublish(svc PublishService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "publish.anchor")
		defer span.End()
		started := time.Now()

		job, opErr := svc.Anchor(ctx, middleware.CallerAddress(c), c.Param("jobId"))
		if opErr != nil {
			respondOpError(c, "anchor", opErr, started)
			return
		}
		respondJob(c, "anchor", http.StatusOK, job, started)
	}
}

// AnchorMetadata handles POST /publish/:jobId/metadata.
func AnchorMetadata(svc PublishService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "publish.metadata")
		defer span.End()
		started := time.Now()

		var req datatypes.MetadataRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		in := publish.MetadataInput{
			IPMetadataJSON:  req.IPMetadataJSON,
			NFTMetadataJSON: req.NFTMetadataJSON,
		}
		job, opErr := svc.Metadata(ctx, middleware.CallerAddress(c), c.Param("jobId"), in)
		if opErr != nil {
			respondOpError(c, "metadata", opErr, started)
			return
		}
		respondJob(c, "metadata", http.StatusOK, job, started)
	}
}

// RegisterPublish handles POST /publish/:jobId/register.
func RegisterPublish(svc PublishService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "publish.register")
		defer span.End()
		started := time.Now()

		var req datatypes.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		in := publish.RegisterInput{
			Recipient:          req.Recipient,
			IPMetadataURI:      req.IPMetadataURI,
			IPMetadataHash:     req.IPMetadataHash,
			NFTMetadataURI:     req.NFTMetadataURI,
			NFTMetadataHash:    req.NFTMetadataHash,
			CommercialRevShare: req.CommercialRevShare,
			MintingFee:         req.MintingFee,
			Currency:           req.Currency,
			RoyaltyPolicy:      req.RoyaltyPolicy,
			ParentIPIDs:        req.ParentIPIDs,
			LicenseTermsIDs:    req.LicenseTermsIDs,
			LicenseTemplate:    req.LicenseTemplate,
			RoyaltyContext:     req.RoyaltyContext,
			MaxMintingFee:      req.MaxMintingFee,
			MaxRts:             req.MaxRts,
			MaxRevenueShare:    req.MaxRevenueShare,
			AllowDuplicates:    req.AllowDuplicates,
		}
		job, opErr := svc.Register(ctx, middleware.CallerAddress(c), c.Param("jobId"), in)
		if opErr != nil {
			respondOpError(c, "register", opErr, started)
			return
		}
		respondJob(c, "register", http.StatusOK, job, started)
	}
}

// FinalizePublish handles POST /publish/:jobId/finalize.
func FinalizePublish(svc PublishService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "publish.finalize")
		defer span.End()
		started := time.Now()

		var req datatypes.FinalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		in := publish.FinalizeInput{
			Title:        req.Title,
			Artist:       req.Artist,
			Album:        req.Album,
			DurationS:    req.DurationS,
			PieceCID:     req.PieceCID,
			DatasetOwner: req.DatasetOwner,
			Algo:         req.Algo,
		}
		result, opErr := svc.Finalize(ctx, middleware.CallerAddress(c), c.Param("jobId"), in)
		if opErr != nil {
			respondOpError(c, "finalize", opErr, started)
			return
		}
		observability.ObservePublishStage("finalize", "ok", time.Since(started))
		c.JSON(http.StatusOK, datatypes.FinalizeResponse{
			Job:               datatypes.NewJobView(result.Job),
			TrackRegistered:   result.TrackRegistered,
			CoverSet:          result.CoverSet,
			ContentRegistered: result.ContentRegistered,
			TxHash:            result.TxHash,
		})
	}
}
