// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Resonate/services/controlplane/observability"
	"github.com/AleutianAI/Resonate/services/llm"
	"github.com/AleutianAI/Resonate/services/studyset"
)

// StudySetGenerator is the slice of the study-set pipeline the handler
// calls. Satisfied by *studyset.Pipeline.
type StudySetGenerator interface {
	Generate(ctx context.Context, req studyset.Request) (*studyset.Pack, error)
}

// GenerateStudySet handles POST /v1/studyset/generate. An LLM backend
// failure is surfaced as 502 with the upstream payload; everything else the
// pipeline rejects is a client problem.
func GenerateStudySet(gen StudySetGenerator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "studyset.generate")
		defer span.End()

		var req studyset.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		pack, err := gen.Generate(ctx, req)
		if err != nil {
			var upstream *llm.UpstreamError
			if errors.As(err, &upstream) {
				slog.ErrorContext(ctx, "study set generation hit LLM backend failure",
					"track_id", req.TrackID, "status", upstream.Status)
				observability.ObserveStudySet("upstream_error", nil)
				c.JSON(http.StatusBadGateway, gin.H{
					"error": "llm backend failed", "details": upstream.Body})
				return
			}
			slog.WarnContext(ctx, "study set generation rejected",
				"track_id", req.TrackID, "error", err)
			observability.ObserveStudySet("error", nil)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		byType := make(map[string]int, 3)
		for _, q := range pack.Questions {
			byType[q.Type]++
		}
		observability.ObserveStudySet("ok", byType)
		c.JSON(http.StatusOK, pack)
	}
}
