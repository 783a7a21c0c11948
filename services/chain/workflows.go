// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// IPMetadata mirrors the workflow contracts' metadata tuple. URIs point at
// anchored JSON documents; hashes are the SHA-256 of the canonical JSON.
type IPMetadata struct {
	IpMetadataURI   string
	IpMetadataHash  [32]byte
	NftMetadataURI  string
	NftMetadataHash [32]byte
}

// PILTerms mirrors the license-terms tuple attached during original
// registration.
type PILTerms struct {
	DefaultMintingFee  *big.Int
	CommercialRevShare uint32
	Currency           common.Address
	RoyaltyPolicy      common.Address
}

// DerivativeData mirrors the derivative workflow tuple linking a new IP to
// its parents.
type DerivativeData struct {
	ParentIpIds     []common.Address
	LicenseTemplate common.Address
	LicenseTermsIds []*big.Int
	RoyaltyContext  []byte
	MaxMintingFee   *big.Int
	MaxRts          uint32
	MaxRevenueShare uint32
}

// TrackRecord mirrors the track registry batch tuple.
type TrackRecord struct {
	TrackId      [32]byte
	Kind         uint8
	Payload      [32]byte
	PieceCid     []byte
	DatasetOwner common.Address
}

// RegisterResult reports the observed on-chain outcome of a registration.
// Everything except TxHash is extracted from the receipt and registries
// rather than trusted from call return data.
type RegisterResult struct {
	TxHash          common.Hash
	BlockNumber     *big.Int
	TokenID         *big.Int
	IPID            common.Address
	LicenseTermsIDs []*big.Int
}

// MintAndRegisterWithPILTerms executes the license-attachment workflow for
// an original publish: mint into the collection, register the IP, attach
// PIL terms. The minted token id is recovered from the receipt's ERC-721
// Transfer event and the IP id and attached terms are read back from the
// registries, so a replayed call observes rather than re-derives state.
func (c *Client) MintAndRegisterWithPILTerms(ctx context.Context, recipient common.Address,
	metadata IPMetadata, terms []PILTerms, allowDuplicates bool) (*RegisterResult, error) {

	calldata, err := c.abis.licenseWorkflows.Pack("mintAndRegisterIpAndAttachPILTerms",
		c.addrs.Collection, recipient, metadata, terms, allowDuplicates)
	if err != nil {
		return nil, fmt.Errorf("failed to pack license workflow call: %w", err)
	}
	return c.executeRegistration(ctx, c.addrs.LicenseWorkflows, calldata)
}

// MintAndRegisterDerivative executes the derivative workflow for derivative
// and cover publishes.
func (c *Client) MintAndRegisterDerivative(ctx context.Context, recipient common.Address,
	derivData DerivativeData, metadata IPMetadata, allowDuplicates bool) (*RegisterResult, error) {

	calldata, err := c.abis.derivativeWorkflows.Pack("mintAndRegisterIpAndMakeDerivative",
		c.addrs.Collection, derivData, metadata, recipient, allowDuplicates)
	if err != nil {
		return nil, fmt.Errorf("failed to pack derivative workflow call: %w", err)
	}
	return c.executeRegistration(ctx, c.addrs.DerivativeWorkflows, calldata)
}

func (c *Client) executeRegistration(ctx context.Context, workflow common.Address,
	calldata []byte) (*RegisterResult, error) {

	tx, err := c.submit(ctx, workflow, calldata)
	if err != nil {
		return nil, err
	}
	receipt, err := c.WaitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}

	tokenID, err := ExtractMintedTokenID(receipt, c.addrs.Collection)
	if err != nil {
		return nil, fmt.Errorf("registration mined but token id not found: %w", err)
	}
	ipID, err := c.IPIDForToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ip id for token %s: %w", tokenID, err)
	}
	if ipID == (common.Address{}) {
		return nil, fmt.Errorf("registry reports no ip id for token %s", tokenID)
	}
	termsIDs, err := c.AttachedLicenseTermsIDs(ctx, ipID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate attached license terms: %w", err)
	}

	return &RegisterResult{
		TxHash:          tx.Hash(),
		BlockNumber:     new(big.Int).Set(receipt.BlockNumber),
		TokenID:         tokenID,
		IPID:            ipID,
		LicenseTermsIDs: termsIDs,
	}, nil
}

// RegisterTracks submits a registerTracksBatch write. The returned
// transaction is not yet mined; callers own the wait so finalize can apply
// its own per-step deadline and timeout recovery.
func (c *Client) RegisterTracks(ctx context.Context, tracks []TrackRecord) (*types.Transaction, error) {
	calldata, err := c.abis.trackRegistry.Pack("registerTracksBatch", tracks)
	if err != nil {
		return nil, fmt.Errorf("failed to pack registerTracksBatch call: %w", err)
	}
	return c.submit(ctx, c.addrs.TrackRegistry, calldata)
}

// SetTrackCovers submits a setTrackCoverBatch write.
func (c *Client) SetTrackCovers(ctx context.Context, trackIDs, coverRefs [][32]byte) (*types.Transaction, error) {
	calldata, err := c.abis.trackRegistry.Pack("setTrackCoverBatch", trackIDs, coverRefs)
	if err != nil {
		return nil, fmt.Errorf("failed to pack setTrackCoverBatch call: %w", err)
	}
	return c.submit(ctx, c.addrs.TrackRegistry, calldata)
}

// RegisterContentFor submits a registerContentFor write binding a content
// id to its track and owner.
func (c *Client) RegisterContentFor(ctx context.Context, contentID, trackID [32]byte,
	owner common.Address, pieceCID []byte) (*types.Transaction, error) {

	calldata, err := c.abis.contentRegistry.Pack("registerContentFor", contentID, trackID, owner, pieceCID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack registerContentFor call: %w", err)
	}
	return c.submit(ctx, c.addrs.ContentRegistry, calldata)
}
