// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// erc721TransferTopic is the topic0 of the standard ERC-721
// Transfer(address,address,uint256) event.
var erc721TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ExtractMintedTokenID scans receipt logs for a mint event: an ERC-721
// Transfer from the zero address emitted by the given collection contract.
// With indexed from/to/tokenId the log carries four topics and no data.
func ExtractMintedTokenID(receipt *types.Receipt, collection common.Address) (*big.Int, error) {
	if receipt == nil {
		return nil, fmt.Errorf("nil receipt")
	}
	for _, entry := range receipt.Logs {
		if entry.Address != collection {
			continue
		}
		if len(entry.Topics) != 4 || entry.Topics[0] != erc721TransferTopic {
			continue
		}
		from := common.BytesToAddress(entry.Topics[1].Bytes())
		if from != (common.Address{}) {
			continue
		}
		return new(big.Int).SetBytes(entry.Topics[3].Bytes()), nil
	}
	return nil, fmt.Errorf("no mint Transfer event from collection %s in receipt", collection.Hex())
}
