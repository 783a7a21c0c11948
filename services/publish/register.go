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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AleutianAI/Resonate/pkg/validation"
	"github.com/AleutianAI/Resonate/services/chain"
)

// RegisterInput carries the on-chain registration request.
type RegisterInput struct {
	Recipient       string
	IPMetadataURI   string
	IPMetadataHash  string
	NFTMetadataURI  string
	NFTMetadataHash string

	// Original path.
	CommercialRevShare uint32
	MintingFee         string
	Currency           string
	RoyaltyPolicy      string

	// Derivative / cover path.
	ParentIPIDs     []string
	LicenseTermsIDs []string
	LicenseTemplate string
	RoyaltyContext  string
	MaxMintingFee   string
	MaxRts          uint32
	MaxRevenueShare uint32

	AllowDuplicates bool
}

// Register mints and registers the IP on chain. The anchored -> registering
// transition is the lock; on any chain failure the job rolls back to
// anchored with the error recorded.
func (m *Machine) Register(ctx context.Context, userAddress, jobID string,
	in RegisterInput) (*Job, *OpError) {

	if m.registry == nil {
		return nil, &OpError{Code: CodeConfigMissing, Message: "chain adapter is not configured",
			HTTPStatus: http.StatusServiceUnavailable}
	}

	job, opErr := m.getOwned(ctx, userAddress, jobID)
	if opErr != nil {
		return nil, opErr
	}

	recipient, err := registerRecipient(job, in.Recipient)
	if err != nil {
		return nil, validationErr(CodeRegisterFailed, "recipient: "+err.Error())
	}
	metadata, opErr := buildIPMetadata(in, job)
	if opErr != nil {
		return nil, opErr
	}

	won, err := m.store.TransitionStatus(ctx, job.JobID,
		[]Status{StatusAnchored}, StatusRegistering)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "register transition failed", err)
	}
	if !won {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus,
			fmt.Sprintf("register requires status %s", StatusAnchored), current)
	}
	job.Status = StatusRegistering

	var result *chain.RegisterResult
	switch job.PublishType {
	case PublishDerivative, PublishCover:
		derivData, opErr := buildDerivativeData(in, job)
		if opErr != nil {
			m.recordFailure(ctx, job, StatusRegistering, StatusAnchored,
				opErr.Code, opErr.Message)
			return nil, opErr
		}
		result, err = m.registry.MintAndRegisterDerivative(ctx, recipient,
			*derivData, *metadata, in.AllowDuplicates)
	default:
		terms := []chain.PILTerms{{
			DefaultMintingFee:  nil,
			CommercialRevShare: in.CommercialRevShare,
			Currency:           common.HexToAddress(in.Currency),
			RoyaltyPolicy:      common.HexToAddress(in.RoyaltyPolicy),
		}}
		if terms[0].DefaultMintingFee, err = parseBigInt(in.MintingFee, "mintingFee"); err != nil {
			m.recordFailure(ctx, job, StatusRegistering, StatusAnchored,
				CodeRegisterFailed, err.Error())
			return nil, validationErr(CodeRegisterFailed, err.Error())
		}
		result, err = m.registry.MintAndRegisterWithPILTerms(ctx, recipient,
			*metadata, terms, in.AllowDuplicates)
	}
	if err != nil {
		m.recordFailure(ctx, job, StatusRegistering, StatusAnchored,
			CodeRegisterFailed, err.Error())
		return nil, upstreamErr(CodeRegisterFailed, "on-chain registration failed", err, job)
	}

	termsJSON := licenseTermsJSON(result.LicenseTermsIDs)
	job.Status = StatusRegistered
	job.StoryTxHash = nullStr(result.TxHash.Hex())
	job.StoryIPID = nullStr(strings.ToLower(strings.TrimPrefix(result.IPID.Hex(), "0x")))
	job.StoryTokenID = nullStr(result.TokenID.String())
	job.StoryLicenseTermsIDs = nullStr(termsJSON)
	job.StoryBlockNumber = nullStr(result.BlockNumber.String())
	job.ErrorCode = sql.NullString{}
	job.ErrorMessage = sql.NullString{}

	held, err := m.store.SaveJob(ctx, job, StatusRegistering)
	if err != nil {
		return nil, internalErr(CodeStorageFailure, "failed to record registration", err)
	}
	if !held {
		current, _ := m.store.GetJob(ctx, job.JobID)
		return nil, conflictErr(CodeWrongStatus, "job status changed while registering", current)
	}
	m.log.InfoContext(ctx, "publish job registered",
		"job_id", job.JobID, "tx", job.StoryTxHash.String,
		"ip_id", job.StoryIPID.String, "token_id", job.StoryTokenID.String)
	return job, nil
}

func buildIPMetadata(in RegisterInput, job *Job) (*chain.IPMetadata, *OpError) {
	ipURI := in.IPMetadataURI
	if ipURI == "" && job.IPMetadataURI.Valid {
		ipURI = job.IPMetadataURI.String
	}
	nftURI := in.NFTMetadataURI
	if nftURI == "" && job.NFTMetadataURI.Valid {
		nftURI = job.NFTMetadataURI.String
	}
	ipHash, err := metadataHash(in.IPMetadataHash, job.IPMetadataHash)
	if err != nil {
		return nil, validationErr(CodeRegisterFailed, "ipMetadataHash: "+err.Error())
	}
	nftHash, err := metadataHash(in.NFTMetadataHash, job.NFTMetadataHash)
	if err != nil {
		return nil, validationErr(CodeRegisterFailed, "nftMetadataHash: "+err.Error())
	}
	return &chain.IPMetadata{
		IpMetadataURI:   ipURI,
		IpMetadataHash:  ipHash,
		NftMetadataURI:  nftURI,
		NftMetadataHash: nftHash,
	}, nil
}

// metadataHash prefers the request value, falls back to the anchored value,
// and decodes a 0x-prefixed 32-byte hex string.
func metadataHash(requested string, stored sql.NullString) ([32]byte, error) {
	var out [32]byte
	value := requested
	if value == "" && stored.Valid {
		value = stored.String
	}
	if value == "" {
		return out, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(value), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func buildDerivativeData(in RegisterInput, job *Job) (*chain.DerivativeData, *OpError) {
	parents := in.ParentIPIDs
	terms := in.LicenseTermsIDs
	if len(parents) == 0 {
		var err error
		if parents, terms, err = job.ParentLists(); err != nil {
			return nil, validationErr(CodeParentLinkRequired, "unreadable parent lists")
		}
	}
	if len(parents) == 0 || len(parents) != len(terms) {
		return nil, validationErr(CodeParentLinkRequired,
			"parentIpIds and licenseTermsIds must be non-empty and equal length")
	}

	data := &chain.DerivativeData{
		MaxRts:          in.MaxRts,
		MaxRevenueShare: in.MaxRevenueShare,
	}
	for _, p := range parents {
		normalized, err := validation.SanitizeHexAddress(
			strings.TrimPrefix(strings.ToLower(p), "0x"))
		if err != nil {
			return nil, validationErr(CodeParentLinkRequired,
				fmt.Sprintf("parent %q is not an address", p))
		}
		data.ParentIpIds = append(data.ParentIpIds, common.HexToAddress(normalized))
	}
	for _, t := range terms {
		id, err := parseBigInt(t, "licenseTermsId")
		if err != nil {
			return nil, validationErr(CodeParentLinkRequired, err.Error())
		}
		data.LicenseTermsIds = append(data.LicenseTermsIds, id)
	}
	if err := validation.ValidateHexAddress(
		strings.TrimPrefix(strings.ToLower(in.LicenseTemplate), "0x")); err != nil {
		return nil, validationErr(CodeParentLinkRequired, "licenseTemplate: "+err.Error())
	}
	data.LicenseTemplate = common.HexToAddress(in.LicenseTemplate)

	if in.RoyaltyContext != "" {
		if err := validation.ValidateHexBytes(in.RoyaltyContext); err != nil {
			return nil, validationErr(CodeParentLinkRequired, "royaltyContext: "+err.Error())
		}
		raw, _ := hex.DecodeString(strings.TrimPrefix(in.RoyaltyContext, "0x"))
		data.RoyaltyContext = raw
	}
	maxFee, err := parseBigInt(in.MaxMintingFee, "maxMintingFee")
	if err != nil {
		return nil, validationErr(CodeParentLinkRequired, err.Error())
	}
	data.MaxMintingFee = maxFee
	return data, nil
}

func licenseTermsJSON(ids []*big.Int) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	encoded, _ := json.Marshal(strs)
	return string(encoded)
}
