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

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// read packs, calls, and unpacks a view function on a registry contract.
func (c *Client) read(ctx context.Context, contract common.Address, parsed abi.ABI,
	method string, args ...interface{}) ([]interface{}, error) {

	calldata, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}

// IPIDForToken resolves the IP asset address registered for a minted token.
// Returns the zero address when no registration exists.
func (c *Client) IPIDForToken(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	out, err := c.read(ctx, c.addrs.IPAssetRegistry, c.abis.ipAssetRegistry, "ipId",
		c.chainID, c.addrs.Collection, tokenID)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ipId returned unexpected type %T", out[0])
	}
	return addr, nil
}

// AttachedLicenseTermsIDs enumerates every license-terms id attached to an
// IP asset, in registry order.
func (c *Client) AttachedLicenseTermsIDs(ctx context.Context, ipID common.Address) ([]*big.Int, error) {
	out, err := c.read(ctx, c.addrs.LicenseRegistry, c.abis.licenseRegistry,
		"getAttachedLicenseTermsCount", ipID)
	if err != nil {
		return nil, err
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getAttachedLicenseTermsCount returned unexpected type %T", out[0])
	}

	ids := make([]*big.Int, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		entry, err := c.read(ctx, c.addrs.LicenseRegistry, c.abis.licenseRegistry,
			"getAttachedLicenseTerms", ipID, big.NewInt(i))
		if err != nil {
			return nil, err
		}
		termsID, ok := entry[1].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("getAttachedLicenseTerms returned unexpected type %T", entry[1])
		}
		ids = append(ids, termsID)
	}
	return ids, nil
}

// IsTrackRegistered queries the track registry for an existing identity.
func (c *Client) IsTrackRegistered(ctx context.Context, trackID [32]byte) (bool, error) {
	out, err := c.read(ctx, c.addrs.TrackRegistry, c.abis.trackRegistry, "isRegistered", trackID)
	if err != nil {
		return false, err
	}
	registered, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isRegistered returned unexpected type %T", out[0])
	}
	return registered, nil
}

// ContentEntry is the stored state for a content registration.
type ContentEntry struct {
	TrackID [32]byte
	Owner   common.Address
	Active  bool
}

// GetContent reads the content registry entry for a content id. An inactive
// entry means the content has not been registered (or was deactivated).
func (c *Client) GetContent(ctx context.Context, contentID [32]byte) (*ContentEntry, error) {
	out, err := c.read(ctx, c.addrs.ContentRegistry, c.abis.contentRegistry, "getContent", contentID)
	if err != nil {
		return nil, err
	}
	entry := &ContentEntry{}
	if trackID, ok := out[0].([32]byte); ok {
		entry.TrackID = trackID
	}
	if owner, ok := out[1].(common.Address); ok {
		entry.Owner = owner
	}
	if active, ok := out[2].(bool); ok {
		entry.Active = active
	}
	return entry, nil
}
