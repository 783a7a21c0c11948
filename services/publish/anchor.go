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
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/Resonate/services/uploader"
)

// Anchor publishes the staged item to the append-only store. The advisory
// lock is the policy_passed -> anchoring transition; a caller that finds
// the job already anchored gets it back unchanged.
func (m *Machine) Anchor(ctx context.Context, userAddress, jobID string) (*Job, *OpError) {
	job, opErr := m.getOwned(ctx, userAddress, jobID)
	if opErr != nil {
		return nil, opErr
	}
	if job.Status == StatusAnchored {
		return job, nil
	}
	if !job.StagedItemID.Valid {
		return nil, validationErr(CodeAnchorFailed, "job has no staged upload to anchor")
	}

	won, err := m.store.TransitionStatus(ctx, job.JobID,
		[]Status{StatusPolicyPassed}, StatusAnchoring)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "anchor transition failed", err)
	}
	if !won {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus,
			fmt.Sprintf("anchor requires status %s", StatusPolicyPassed), current)
	}
	job.Status = StatusAnchoring

	payload, err := m.uploads.Post(ctx, job.StagedItemID.String)
	if err != nil {
		m.recordFailure(ctx, job, StatusAnchoring, StatusPolicyPassed,
			CodeAnchorFailed, err.Error())
		return nil, upstreamErr(CodeAnchorFailed, "append-only store rejected the post", err, job)
	}

	id := job.StagedItemID.String
	job.Status = StatusAnchored
	job.AnchoredItemID = nullStr(id)
	job.ArweaveRef = nullStr("ar://" + id)
	job.ArweaveURL = nullStr(m.uploads.GatewayURL(id))
	job.GatewayAvailable = sql.NullBool{Bool: m.uploads.ProbeGateway(ctx, id), Valid: true}
	job.AnchorPayload = nullStr(string(payload))
	job.ErrorCode = sql.NullString{}
	job.ErrorMessage = sql.NullString{}

	held, err := m.store.SaveJob(ctx, job, StatusAnchoring)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "failed to record anchor", err)
	}
	if !held {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus, "job status changed while anchoring", current)
	}
	m.log.InfoContext(ctx, "publish job anchored",
		"job_id", job.JobID, "anchored_id", id, "gateway_available", job.GatewayAvailable.Bool)
	return job, nil
}

// MetadataInput carries the two JSON documents anchored alongside the audio.
type MetadataInput struct {
	IPMetadataJSON  json.RawMessage
	NFTMetadataJSON json.RawMessage
}

// metadataStatuses are the job statuses under which metadata may anchor.
var metadataStatuses = map[Status]bool{
	StatusAnchored: true, StatusRegistering: true, StatusRegistered: true,
}

// anchoredDoc is one metadata document after staging and posting.
type anchoredDoc struct {
	uri    string
	hash   string
	itemID string
}

// Metadata anchors the ip and nft metadata documents. The sub-lifecycle is
// tracked in metadata_status and never changes the overall job status; a
// failed run may be retried.
func (m *Machine) Metadata(ctx context.Context, userAddress, jobID string,
	in MetadataInput) (*Job, *OpError) {

	job, opErr := m.getOwned(ctx, userAddress, jobID)
	if opErr != nil {
		return nil, opErr
	}
	if !metadataStatuses[job.Status] {
		return nil, conflictErr(CodeWrongStatus,
			fmt.Sprintf("metadata cannot anchor at status %s", job.Status), job)
	}

	ipJSON, err := canonicalJSON(in.IPMetadataJSON)
	if err != nil {
		return nil, validationErr(CodeMetadataFailed, "ipMetadataJson: "+err.Error())
	}
	nftJSON, err := canonicalJSON(in.NFTMetadataJSON)
	if err != nil {
		return nil, validationErr(CodeMetadataFailed, "nftMetadataJson: "+err.Error())
	}

	// Lock: metadata_status may advance to anchoring only from unset, none,
	// or failed, and only while both URIs are still empty. The conditional
	// update serializes concurrent callers the same way TransitionStatus
	// serializes stage transitions; the loser sees the authoritative row.
	won, err := m.store.AcquireMetadataLock(ctx, job.JobID)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "failed to acquire metadata lock", err)
	}
	if !won {
		current, _ := m.store.GetJob(ctx, job.JobID)
		state := string(MetadataAnchoring)
		if current != nil && current.MetadataStatus.Valid {
			state = current.MetadataStatus.String
		}
		return nil, conflictErr(CodeWrongStatus,
			fmt.Sprintf("metadata already %s", state), current)
	}
	job.MetadataStatus = nullStr(string(MetadataAnchoring))
	job.MetadataError = sql.NullString{}

	var ipDoc, nftDoc *anchoredDoc
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		ipDoc, err = m.anchorDocument(groupCtx, job.JobID, "ip.json", ipJSON)
		return err
	})
	group.Go(func() error {
		var err error
		nftDoc, err = m.anchorDocument(groupCtx, job.JobID, "nft.json", nftJSON)
		return err
	})
	if err := group.Wait(); err != nil {
		job.MetadataStatus = nullStr(string(MetadataFailed))
		job.MetadataError = nullStr(truncateError(err.Error()))
		if saveErr := m.store.SaveJobUnconditional(ctx, job); saveErr != nil {
			m.log.ErrorContext(ctx, "failed to record metadata failure",
				"job_id", job.JobID, "error", saveErr)
		}
		return nil, upstreamErr(CodeMetadataFailed, "metadata anchoring failed", err, job)
	}

	job.MetadataStatus = nullStr(string(MetadataAnchored))
	job.IPMetadataURI = nullStr(ipDoc.uri)
	job.IPMetadataHash = nullStr(ipDoc.hash)
	job.IPMetadataItemID = nullStr(ipDoc.itemID)
	job.NFTMetadataURI = nullStr(nftDoc.uri)
	job.NFTMetadataHash = nullStr(nftDoc.hash)
	job.NFTMetadataItemID = nullStr(nftDoc.itemID)
	if err := m.store.SaveJobUnconditional(ctx, job); err != nil {
		return nil, internalErr(CodeStorageFailure, "failed to record metadata anchor", err)
	}
	m.log.InfoContext(ctx, "metadata anchored",
		"job_id", job.JobID, "ip_uri", ipDoc.uri, "nft_uri", nftDoc.uri)
	return job, nil
}

func (m *Machine) anchorDocument(ctx context.Context, jobID, name string,
	doc []byte) (*anchoredDoc, error) {

	staged, err := m.uploads.Upload(ctx, name, doc, "application/json",
		[]uploader.Tag{{Key: "role", Value: "metadata"}, {Key: "job", Value: jobID}})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	if _, err := m.uploads.Post(ctx, staged.ID); err != nil {
		return nil, fmt.Errorf("post %s: %w", name, err)
	}
	m.uploads.ProbeGateway(ctx, staged.ID)
	return &anchoredDoc{
		uri:    "ar://" + staged.ID,
		hash:   "0x" + sha256Hex(doc),
		itemID: staged.ID,
	}, nil
}

// canonicalJSON re-serializes an object document into its canonical compact
// form, rejecting non-object roots and oversized inputs.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("document is required")
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("document is not serializable: %w", err)
	}
	if int64(len(out)) > MaxMetadataBytes {
		return nil, fmt.Errorf("document exceeds %d bytes", MaxMetadataBytes)
	}
	return out, nil
}
