// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command resonate runs the Resonate control plane and its database
// migrations.
//
// # Environment Variables
//
//   - CONTROLPLANE_PORT: HTTP server port (default: 12300)
//   - DATABASE_URL: postgres connection string (required)
//   - UPLOADER_SERVICE_URL / UPLOADER_GATEWAY_URL: content-addressed store
//   - CHAIN_RPC_URL / CHAIN_ID / CHAIN_SPONSOR_KEY / CONTRACT_*: chain adapter
//   - LLM_BACKEND_TYPE: "openai" or "ollama" (empty disables study sets)
//   - MUSICBRAINZ_URL / ACOUSTID_URL / ACOUSTID_CLIENT_KEY: resolver backends
//   - RESOLVER_CACHE_PATH: badger cache directory
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector
//   - RESONATE_LOG_DIR: also write JSON logs to this directory
//
// # Usage
//
//	resonate migrate up
//	resonate serve
package main

import (
	"database/sql"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/Resonate/db"
	"github.com/AleutianAI/Resonate/pkg/logging"
	"github.com/AleutianAI/Resonate/services/controlplane"
)

var (
	rootCmd = &cobra.Command{
		Use:   "resonate",
		Short: "The Resonate music control plane",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the control-plane HTTP server",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  func(cmd *cobra.Command, args []string) error { return withDB(db.Migrate) },
	}
	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE:  func(cmd *cobra.Command, args []string) error { return withDB(db.Rollback) },
	}
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "controlplane",
		JSON:    true,
		LogDir:  os.Getenv("RESONATE_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := controlplane.New(controlplane.ConfigFromEnv())
	if err != nil {
		return err
	}
	return svc.Run()
}

func withDB(fn func(*sql.DB) error) error {
	conn, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}
