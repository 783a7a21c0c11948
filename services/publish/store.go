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
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrJobNotFound is returned by store reads when no row matches.
var ErrJobNotFound = errors.New("publish job not found")

// Store is the persistence surface the state machine depends on. The SQL
// implementation is SQLStore; tests substitute an in-memory fake.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobForUser(ctx context.Context, jobID, userAddress string) (*Job, error)
	FindByIdempotencyKey(ctx context.Context, userAddress, key string) (*Job, error)

	// TransitionStatus performs the conditional update that serializes
	// stage transitions: UPDATE ... WHERE job_id AND status IN (from).
	// It reports whether this caller won (affected exactly one row).
	TransitionStatus(ctx context.Context, jobID string, from []Status, to Status) (bool, error)

	// SaveJob persists every mutable facet of the row, guarded by the
	// expected current status. Reports whether the guard held.
	SaveJob(ctx context.Context, job *Job, expect Status) (bool, error)

	// SaveJobUnconditional persists mutable facets without a status guard,
	// used for sub-lifecycle fields (metadata facet) and error records.
	SaveJobUnconditional(ctx context.Context, job *Job) error

	// AcquireMetadataLock advances metadata_status to anchoring, but only
	// from unset/none/failed and only while both metadata URIs are still
	// empty. It reports whether this caller won the row.
	AcquireMetadataLock(ctx context.Context, jobID string) (bool, error)

	CountRecentPublishes(ctx context.Context, userAddress string, window time.Duration) (int, error)
	SumRecentBytes(ctx context.Context, userAddress string, window time.Duration) (int64, error)
	FindJobsByAudioHash(ctx context.Context, sha256Hex string, statuses []Status, excludeJobID string) ([]*Job, error)

	HasVerifiedIdentity(ctx context.Context, userAddress string) (bool, error)
	ActiveUploadBan(ctx context.Context, userAddress string) (bool, error)
}

// SQLStore implements Store over the relational database.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open sqlx handle.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

// jobColumns is the full column list, kept in one place so insert, select,
// and update stay aligned with the Job struct tags.
var jobColumns = []string{
	"job_id", "user_address", "idempotency_key",
	"file_name", "content_type", "file_size_bytes", "audio_sha256",
	"fingerprint", "duration_s", "staged_item_id", "staged_gateway_url",
	"cover_item_id", "cover_gateway_url", "cover_content_type", "cover_size_bytes",
	"lyrics_item_id", "lyrics_gateway_url", "lyrics_sha256", "lyrics_size_bytes",
	"publish_type", "policy_decision", "policy_reason_code", "policy_reason_text",
	"parent_ip_ids", "license_terms_ids",
	"anchored_dataitem_id", "arweave_ref", "arweave_url", "gateway_available", "anchor_payload",
	"metadata_status", "metadata_error",
	"ip_metadata_uri", "ip_metadata_hash", "ip_metadata_item_id",
	"nft_metadata_uri", "nft_metadata_hash", "nft_metadata_item_id",
	"story_tx_hash", "story_ip_id", "story_token_id", "story_license_terms_ids",
	"story_block_number", "tempo_tx_hash",
	"error_code", "error_message",
	"status", "created_at", "updated_at",
}

func (s *SQLStore) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := fmt.Sprintf(
		"INSERT INTO music_publish_jobs (%s) VALUES (:%s)",
		strings.Join(jobColumns, ", "),
		strings.Join(jobColumns, ", :"),
	)
	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to insert publish job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job,
		"SELECT * FROM music_publish_jobs WHERE job_id = $1", jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read publish job: %w", err)
	}
	return &job, nil
}

func (s *SQLStore) GetJobForUser(ctx context.Context, jobID, userAddress string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job,
		"SELECT * FROM music_publish_jobs WHERE job_id = $1 AND user_address = $2",
		jobID, userAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read publish job: %w", err)
	}
	return &job, nil
}

func (s *SQLStore) FindByIdempotencyKey(ctx context.Context, userAddress, key string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job,
		`SELECT * FROM music_publish_jobs
		 WHERE user_address = $1 AND idempotency_key = $2
		 ORDER BY created_at DESC LIMIT 1`,
		userAddress, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &job, nil
}

func (s *SQLStore) TransitionStatus(ctx context.Context, jobID string, from []Status, to Status) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	query, args, err := sqlx.In(
		"UPDATE music_publish_jobs SET status = ?, updated_at = ? WHERE job_id = ? AND status IN (?)",
		string(to), time.Now().UTC(), jobID, fromStrs)
	if err != nil {
		return false, fmt.Errorf("failed to build transition query: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// updatableColumns excludes identity and created_at.
var updatableColumns = func() []string {
	skip := map[string]bool{"job_id": true, "user_address": true, "created_at": true}
	var cols []string
	for _, col := range jobColumns {
		if !skip[col] {
			cols = append(cols, col)
		}
	}
	return cols
}()

func saveJobQuery(guarded bool) string {
	var sets []string
	for _, col := range updatableColumns {
		sets = append(sets, fmt.Sprintf("%s = :%s", col, col))
	}
	query := fmt.Sprintf(
		"UPDATE music_publish_jobs SET %s WHERE job_id = :job_id",
		strings.Join(sets, ", "))
	if guarded {
		query += " AND status = :expect_status"
	}
	return query
}

func (s *SQLStore) SaveJob(ctx context.Context, job *Job, expect Status) (bool, error) {
	job.UpdatedAt = time.Now().UTC()
	arg := struct {
		*Job
		ExpectStatus string `db:"expect_status"`
	}{Job: job, ExpectStatus: string(expect)}

	result, err := s.db.NamedExecContext(ctx, saveJobQuery(true), arg)
	if err != nil {
		return false, fmt.Errorf("failed to save publish job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStore) SaveJobUnconditional(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	if _, err := s.db.NamedExecContext(ctx, saveJobQuery(false), job); err != nil {
		return fmt.Errorf("failed to save publish job: %w", err)
	}
	return nil
}

func (s *SQLStore) AcquireMetadataLock(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE music_publish_jobs
		 SET metadata_status = $1, metadata_error = NULL, updated_at = $2
		 WHERE job_id = $3
		   AND (metadata_status IS NULL OR metadata_status IN ($4, $5))
		   AND ip_metadata_uri IS NULL AND nft_metadata_uri IS NULL`,
		string(MetadataAnchoring), time.Now().UTC(), jobID,
		string(MetadataNone), string(MetadataFailed))
	if err != nil {
		return false, fmt.Errorf("failed to acquire metadata lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStore) CountRecentPublishes(ctx context.Context, userAddress string, window time.Duration) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM music_publish_jobs WHERE user_address = $1 AND created_at > $2",
		userAddress, time.Now().UTC().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count recent publishes: %w", err)
	}
	return count, nil
}

func (s *SQLStore) SumRecentBytes(ctx context.Context, userAddress string, window time.Duration) (int64, error) {
	var total sql.NullInt64
	err := s.db.GetContext(ctx, &total,
		"SELECT SUM(file_size_bytes) FROM music_publish_jobs WHERE user_address = $1 AND created_at > $2",
		userAddress, time.Now().UTC().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to sum recent bytes: %w", err)
	}
	return total.Int64, nil
}

func (s *SQLStore) FindJobsByAudioHash(ctx context.Context, sha256Hex string, statuses []Status, excludeJobID string) ([]*Job, error) {
	statusStrs := make([]string, len(statuses))
	for i, st := range statuses {
		statusStrs[i] = string(st)
	}
	query, args, err := sqlx.In(
		`SELECT * FROM music_publish_jobs
		 WHERE audio_sha256 = ? AND job_id != ? AND status IN (?)
		 ORDER BY created_at ASC`,
		sha256Hex, excludeJobID, statusStrs)
	if err != nil {
		return nil, fmt.Errorf("failed to build duplicate scan query: %w", err)
	}
	var jobs []*Job
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to scan for duplicate hashes: %w", err)
	}
	return jobs, nil
}

func (s *SQLStore) HasVerifiedIdentity(ctx context.Context, userAddress string) (bool, error) {
	var verified bool
	err := s.db.GetContext(ctx, &verified,
		"SELECT verified FROM user_identity WHERE user_address = $1", userAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read user identity: %w", err)
	}
	return verified, nil
}

func (s *SQLStore) ActiveUploadBan(ctx context.Context, userAddress string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM music_upload_bans
		 WHERE user_address = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		userAddress, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to read upload bans: %w", err)
	}
	return count > 0, nil
}
