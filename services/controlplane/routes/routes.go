// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the control plane's route table.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/Resonate/services/controlplane/handlers"
	"github.com/AleutianAI/Resonate/services/controlplane/middleware"
)

// Deps are the services the route table binds handlers to. StudySet and
// Resolver may be nil, in which case their routes are not registered.
type Deps struct {
	Publish  handlers.PublishService
	StudySet handlers.StudySetGenerator
	Resolver handlers.TrackResolver
	Decode   middleware.AddressDecoder
}

// SetupRoutes registers the full HTTP surface. Publish routes require a
// wallet identity; study-set generation and scrobble resolution are open to
// any authenticated caller and live under /v1.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(middleware.RequestID())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.WalletAuth(deps.Decode)

	publish := router.Group("/publish", auth)
	{
		publish.POST("/start", handlers.StartPublish(deps.Publish))
		publish.POST("/:jobId/artifacts/stage", handlers.StageArtifacts(deps.Publish))
		publish.GET("/:jobId", handlers.GetPublishJob(deps.Publish))
		publish.POST("/:jobId/anchor", handlers.AnchorPublish(deps.Publish))
		publish.POST("/:jobId/metadata", handlers.AnchorMetadata(deps.Publish))
		publish.POST("/:jobId/register", handlers.RegisterPublish(deps.Publish))
		publish.POST("/:jobId/finalize", handlers.FinalizePublish(deps.Publish))
	}
	router.POST("/preflight", auth, handlers.Preflight(deps.Publish))

	v1 := router.Group("/v1", auth)
	{
		if deps.StudySet != nil {
			v1.POST("/studyset/generate", handlers.GenerateStudySet(deps.StudySet))
		}
		if deps.Resolver != nil {
			v1.POST("/scrobble/resolve", handlers.ResolveTrack(deps.Resolver))
		}
	}
}
