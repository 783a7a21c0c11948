// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package publish

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AleutianAI/Resonate/services/chain"
)

// FinalizeInput is the secondary track/content registration request.
type FinalizeInput struct {
	Title        string
	Artist       string
	Album        string
	DurationS    int64
	PieceCID     string
	DatasetOwner string
	Algo         uint8
}

// FinalizeResult reports which of the three best-effort chain steps acted in
// this call. A step skipped because on-chain state was already in place
// reports false.
type FinalizeResult struct {
	Job               *Job
	TrackRegistered   bool
	CoverSet          bool
	ContentRegistered bool
	TxHash            string
}

// finalizeFrom are the statuses finalize may begin from. registered is
// included so the secondary registration can run after the IP registration.
var finalizeFrom = []Status{StatusPolicyPassed, StatusAnchored, StatusRegistered}

// Finalize derives the deterministic track and content ids from normalized
// metadata and performs the track registry and content registry writes.
// Each wait is bounded by the configured tx timeout; on timeout the chain
// state is re-checked so a slow-but-landed tx is not treated as a failure,
// and a replayed finalize observes it as already done.
func (m *Machine) Finalize(ctx context.Context, userAddress, jobID string,
	in FinalizeInput) (*FinalizeResult, *OpError) {

	if m.registry == nil {
		return nil, &OpError{Code: CodeConfigMissing, Message: "chain adapter is not configured",
			HTTPStatus: http.StatusServiceUnavailable}
	}

	job, opErr := m.getOwned(ctx, userAddress, jobID)
	if opErr != nil {
		return nil, opErr
	}
	if job.Status == StatusRegistered && job.TempoTxHash.Valid {
		return &FinalizeResult{Job: job, TxHash: job.TempoTxHash.String}, nil
	}

	if opErr := validateFinalizeInput(in); opErr != nil {
		return nil, opErr
	}
	owner := common.HexToAddress(job.UserAddress)
	if in.DatasetOwner != "" {
		owner = common.HexToAddress(in.DatasetOwner)
	}

	payload := chain.MetaPayload(in.Title, in.Artist, in.Album)
	trackID := chain.TrackID(payload)
	contentID := chain.ContentID(trackID, common.HexToAddress(job.UserAddress))

	prior := job.Status
	won, err := m.store.TransitionStatus(ctx, job.JobID, finalizeFrom, StatusRegistering)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "finalize transition failed", err)
	}
	if !won {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus,
			fmt.Sprintf("finalize not allowed from status %s", job.Status), current)
	}
	job.Status = StatusRegistering

	result := &FinalizeResult{Job: job}

	// Step 1: track registration, skipped when already on chain.
	registered, err := m.registry.IsTrackRegistered(ctx, trackID)
	if err != nil {
		m.recordFailure(ctx, job, StatusRegistering, prior, CodeFinalizeFailed, err.Error())
		return nil, upstreamErr(CodeFinalizeFailed, "track registry read failed", err, job)
	}
	if !registered {
		kind := chain.MetaTrackKind
		if in.Algo != 0 {
			kind = in.Algo
		}
		record := chain.TrackRecord{
			TrackId:      trackID,
			Kind:         kind,
			Payload:      payload,
			PieceCid:     []byte(in.PieceCID),
			DatasetOwner: owner,
		}
		tx, err := m.registry.RegisterTracks(ctx, []chain.TrackRecord{record})
		if err == nil {
			err = m.waitFinalizeStep(ctx, tx, func(c context.Context) (bool, error) {
				return m.registry.IsTrackRegistered(c, trackID)
			})
		}
		if err != nil {
			m.recordFailure(ctx, job, StatusRegistering, prior, CodeFinalizeFailed, err.Error())
			return nil, upstreamErr(CodeFinalizeFailed, "track registration failed", err, job)
		}
		result.TrackRegistered = true
	}

	// Step 2: cover reference, best effort. A failure here never blocks the
	// content registration.
	if job.CoverItemID.Valid {
		coverRef := sha256.Sum256([]byte("ar://" + job.CoverItemID.String))
		tx, err := m.registry.SetTrackCovers(ctx, [][32]byte{trackID}, [][32]byte{coverRef})
		if err == nil {
			err = m.waitFinalizeStep(ctx, tx, nil)
		}
		if err != nil {
			m.log.WarnContext(ctx, "cover reference not set",
				"job_id", job.JobID, "error", err)
		} else {
			result.CoverSet = true
		}
	}

	// Step 3: content registration, skipped when the entry is already active.
	entry, err := m.registry.GetContent(ctx, contentID)
	if err != nil {
		m.recordFailure(ctx, job, StatusRegistering, prior, CodeFinalizeFailed, err.Error())
		return nil, upstreamErr(CodeFinalizeFailed, "content registry read failed", err, job)
	}
	if !entry.Active {
		tx, err := m.registry.RegisterContentFor(ctx, contentID, trackID, owner, []byte(in.PieceCID))
		if err == nil {
			result.TxHash = tx.Hash().Hex()
			err = m.waitFinalizeStep(ctx, tx, func(c context.Context) (bool, error) {
				e, readErr := m.registry.GetContent(c, contentID)
				if readErr != nil {
					return false, readErr
				}
				return e.Active, nil
			})
		}
		if err != nil {
			m.recordFailure(ctx, job, StatusRegistering, prior, CodeFinalizeFailed, err.Error())
			return nil, upstreamErr(CodeFinalizeFailed, "content registration failed", err, job)
		}
		result.ContentRegistered = true
	}

	job.Status = StatusRegistered
	if result.TxHash != "" {
		job.TempoTxHash = nullStr(result.TxHash)
	}
	job.ErrorCode = sql.NullString{}
	job.ErrorMessage = sql.NullString{}
	held, err := m.store.SaveJob(ctx, job, StatusRegistering)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "failed to record finalize", err)
	}
	if !held {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus, "job status changed while finalizing", current)
	}
	m.log.InfoContext(ctx, "publish job finalized",
		"job_id", job.JobID,
		"track_registered", result.TrackRegistered,
		"cover_set", result.CoverSet,
		"content_registered", result.ContentRegistered,
		"tx", result.TxHash)
	return result, nil
}

// waitFinalizeStep waits for a transaction within the configured timeout.
// On timeout, recheck (when given) re-reads chain state so a confirmed but
// slow tx counts as success.
func (m *Machine) waitFinalizeStep(ctx context.Context, tx *types.Transaction,
	recheck func(context.Context) (bool, error)) error {

	_, err := m.registry.WaitMinedWithin(ctx, tx.Hash(), m.registry.TxTimeout())
	if err == nil {
		return nil
	}
	if errors.Is(err, chain.ErrWaitTimeout) && recheck != nil {
		if done, checkErr := recheck(ctx); checkErr == nil && done {
			return nil
		}
	}
	return err
}

func validateFinalizeInput(in FinalizeInput) *OpError {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Artist) == "" {
		return validationErr(CodeFinalizeFailed, "title and artist are required")
	}
	for name, value := range map[string]string{
		"title": in.Title, "artist": in.Artist, "album": in.Album,
	} {
		if len(value) > MaxTextFieldBytes {
			return validationErr(CodeFinalizeFailed,
				fmt.Sprintf("%s exceeds %d bytes", name, MaxTextFieldBytes))
		}
	}
	if len(in.PieceCID) > MaxPieceCIDBytes {
		return validationErr(CodeFinalizeFailed,
			fmt.Sprintf("pieceCid exceeds %d bytes", MaxPieceCIDBytes))
	}
	if in.DurationS < 0 {
		return validationErr(CodeFinalizeFailed, "durationS must be positive")
	}
	if in.DatasetOwner != "" && !common.IsHexAddress(in.DatasetOwner) {
		return validationErr(CodeFinalizeFailed, "datasetOwner is not an address")
	}
	return nil
}
