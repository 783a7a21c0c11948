// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Resonate/services/controlplane/observability"
	"github.com/AleutianAI/Resonate/services/resolver"
)

// TrackResolver is the slice of the scrobble resolver the handler calls.
// Satisfied by *resolver.Resolver.
type TrackResolver interface {
	Resolve(ctx context.Context, in resolver.Input) *resolver.Result
}

// ResolveTrack handles POST /v1/scrobble/resolve. Resolution never fails
// hard; an input the cascade cannot place still returns 200 with an
// unresolved provenance trail.
func ResolveTrack(res TrackResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "scrobble.resolve")
		defer span.End()

		var in resolver.Input
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Artist) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title or artist is required"})
			return
		}

		result := res.Resolve(ctx, in)
		if n := len(result.Provenance); n > 0 {
			observability.ObserveResolverStep(result.Provenance[n-1])
		}
		c.JSON(http.StatusOK, result)
	}
}
