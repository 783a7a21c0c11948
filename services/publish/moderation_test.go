// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package publish

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Resonate/services/moderation"
)

func newModeratedMachine(t *testing.T) (*Machine, *fakeStore) {
	t.Helper()
	m, store, _, _ := newTestMachine(t)
	engine, err := moderation.New()
	require.NoError(t, err)
	return m.WithModeration(engine), store
}

func TestLyricsModerationRejectsSpam(t *testing.T) {
	m, _ := newModeratedMachine(t)
	job := startOriginal(t, m, []byte("audio"))

	_, opErr := m.StageArtifacts(context.Background(), testUser, job.JobID, ArtifactsInput{
		LyricsText: "full track free download at bit.ly/xK9z2",
	})
	require.NotNil(t, opErr)
	assert.Equal(t, CodeLyricsFlagged, opErr.Code)
	assert.Equal(t, http.StatusBadRequest, opErr.HTTPStatus)

	// Nothing was staged.
	fresh, getErr := m.Get(context.Background(), testUser, job.JobID)
	require.Nil(t, getErr)
	assert.False(t, fresh.LyricsItemID.Valid)
}

func TestLyricsModerationRoutesToManualReview(t *testing.T) {
	m, _ := newModeratedMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("audio"))

	job, opErr := m.StageArtifacts(ctx, testUser, job.JobID, ArtifactsInput{
		CoverFileName:    "cover.webp",
		CoverContentType: "image/webp",
		CoverData:        []byte("webp-bytes"),
		LyricsText:       "Verse one\n(c) 2019 Big Label Inc. All Rights Reserved",
	})
	require.Nil(t, opErr)
	assert.True(t, job.LyricsItemID.Valid, "review-grade findings still stage the artifact")
	assert.Equal(t, CodeLyricsFlagged, job.PolicyReasonCode.String)

	result, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)
	assert.Equal(t, StatusManualReview, result.Job.Status)
	assert.Equal(t, string(DecisionManualReview), result.Job.PolicyDecision.String)
	assert.Equal(t, CodeLyricsFlagged, result.Job.PolicyReasonCode.String)
	assert.Contains(t, result.Job.PolicyReasonText.String, "copyright_notice")
}

func TestCleanLyricsPassModeration(t *testing.T) {
	m, _ := newModeratedMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("audio"))

	job, opErr := m.StageArtifacts(ctx, testUser, job.JobID, ArtifactsInput{
		CoverFileName:    "cover.webp",
		CoverContentType: "image/webp",
		CoverData:        []byte("webp-bytes"),
		LyricsText:       "With a taste of your lips I'm on a ride",
	})
	require.Nil(t, opErr)
	assert.False(t, job.PolicyReasonCode.Valid)

	result, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)
	assert.Equal(t, StatusPolicyPassed, result.Job.Status)
}
