// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MetaTrackKind is the track-kind discriminator for metadata-derived track
// identities. Kinds 1 and 2 are reserved for fingerprint- and ISRC-derived
// identities in the registry contract.
const MetaTrackKind uint8 = 3

var (
	abiString, _  = abi.NewType("string", "", nil)
	abiUint8, _   = abi.NewType("uint8", "", nil)
	abiBytes32, _ = abi.NewType("bytes32", "", nil)
	abiAddress, _ = abi.NewType("address", "", nil)

	payloadArgs = abi.Arguments{
		{Type: abiString}, {Type: abiString}, {Type: abiString},
	}
	trackIDArgs = abi.Arguments{
		{Type: abiUint8}, {Type: abiBytes32},
	}
	contentIDArgs = abi.Arguments{
		{Type: abiBytes32}, {Type: abiAddress},
	}
)

// NormText normalizes free-text metadata before hashing: lowercase, trim,
// collapse internal whitespace runs to single spaces. Two submissions that
// differ only in casing or spacing derive the same on-chain identity.
func NormText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// MetaPayload computes keccak256(abi.encode(string,string,string)) over the
// normalized title, artist, and album.
func MetaPayload(title, artist, album string) [32]byte {
	encoded, err := payloadArgs.Pack(NormText(title), NormText(artist), NormText(album))
	if err != nil {
		// Static argument list; packing strings cannot fail.
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// TrackID computes keccak256(abi.encode(uint8,bytes32)) over the meta-track
// kind and payload hash.
func TrackID(payload [32]byte) [32]byte {
	encoded, err := trackIDArgs.Pack(MetaTrackKind, payload)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// ContentID computes keccak256(abi.encode(bytes32,address)) binding a track
// identity to its publishing wallet.
func ContentID(trackID [32]byte, owner common.Address) [32]byte {
	encoded, err := contentIDArgs.Pack(trackID, owner)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}
