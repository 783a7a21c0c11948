// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormText(t *testing.T) {
	assert.Equal(t, "toxic", NormText("  Toxic "))
	assert.Equal(t, "britney spears", NormText("Britney   Spears"))
	assert.Equal(t, "", NormText("   "))
	// Idempotent.
	assert.Equal(t, NormText("A  B"), NormText(NormText("A  B")))
}

func TestIDDerivationsAreDeterministic(t *testing.T) {
	payload1 := MetaPayload("Toxic", "Britney Spears", "In the Zone")
	payload2 := MetaPayload("toxic", "britney  spears", "in the zone")
	assert.Equal(t, payload1, payload2, "normalization must absorb case and spacing")

	other := MetaPayload("Toxic", "Britney Spears", "Greatest Hits")
	assert.NotEqual(t, payload1, other)

	trackID := TrackID(payload1)
	assert.NotEqual(t, payload1, trackID)
	assert.Equal(t, trackID, TrackID(payload2))

	ownerA := common.HexToAddress("0xab5801a7d398351b8be11c439e05c5b3259aec9b")
	ownerB := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assert.NotEqual(t, ContentID(trackID, ownerA), ContentID(trackID, ownerB))
	assert.Equal(t, ContentID(trackID, ownerA), ContentID(trackID, ownerA))
}

func TestClampTxTimeout(t *testing.T) {
	assert.Equal(t, DefaultTxTimeout, ClampTxTimeout(0))
	assert.Equal(t, MinTxTimeout, ClampTxTimeout(time.Millisecond))
	assert.Equal(t, MaxTxTimeout, ClampTxTimeout(time.Hour))
	assert.Equal(t, 10*time.Second, ClampTxTimeout(10*time.Second))
}

func TestExtractMintedTokenID(t *testing.T) {
	collection := common.HexToAddress("0x1111111111111111111111111111111111111111")
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	mintLog := &types.Log{
		Address: collection,
		Topics: []common.Hash{
			erc721TransferTopic,
			common.BytesToHash(common.Address{}.Bytes()),
			common.BytesToHash(recipient.Bytes()),
			common.BigToHash(big.NewInt(42)),
		},
	}
	// A Transfer from a non-zero address (secondary sale) must be skipped.
	saleLog := &types.Log{
		Address: collection,
		Topics: []common.Hash{
			erc721TransferTopic,
			common.BytesToHash(recipient.Bytes()),
			common.BytesToHash(recipient.Bytes()),
			common.BigToHash(big.NewInt(7)),
		},
	}
	// Same shape from a different contract must be skipped.
	foreignLog := &types.Log{
		Address: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Topics:  mintLog.Topics,
	}

	receipt := &types.Receipt{Logs: []*types.Log{foreignLog, saleLog, mintLog}}
	tokenID, err := ExtractMintedTokenID(receipt, collection)
	require.NoError(t, err)
	assert.Equal(t, int64(42), tokenID.Int64())

	_, err = ExtractMintedTokenID(&types.Receipt{}, collection)
	assert.Error(t, err)
	_, err = ExtractMintedTokenID(nil, collection)
	assert.Error(t, err)
}

// fakeBackend satisfies Backend for read and wait tests.
type fakeBackend struct {
	callResult   []byte
	callErr      error
	receipts     map[common.Hash]*types.Receipt
	receiptCalls int
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, f.callErr
}
func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 1, nil
}
func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}
func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}
func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.receiptCalls++
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func newTestClient(t *testing.T, backend Backend) *Client {
	t.Helper()
	client, err := NewWithBackend(backend, Config{
		ChainID:   big.NewInt(1315),
		TxTimeout: DefaultTxTimeout,
		Addresses: Addresses{
			TrackRegistry: common.HexToAddress("0x4444444444444444444444444444444444444444"),
			Collection:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		},
	})
	require.NoError(t, err)
	return client
}

func TestIsTrackRegistered(t *testing.T) {
	// ABI-encoded true.
	encodedTrue := make([]byte, 32)
	encodedTrue[31] = 1

	client := newTestClient(t, &fakeBackend{callResult: encodedTrue})
	registered, err := client.IsTrackRegistered(context.Background(), TrackID(MetaPayload("a", "b", "")))
	require.NoError(t, err)
	assert.True(t, registered)

	client = newTestClient(t, &fakeBackend{callErr: errors.New("rpc down")})
	_, err = client.IsTrackRegistered(context.Background(), [32]byte{})
	assert.Error(t, err)
}

func TestWaitMinedTimeoutIsRecognizable(t *testing.T) {
	client := newTestClient(t, &fakeBackend{receipts: map[common.Hash]*types.Receipt{}})
	_, err := client.WaitMinedWithin(context.Background(), common.HexToHash("0xabc"), MinTxTimeout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWaitTimeout))
}

func TestWaitMinedRevertedTx(t *testing.T) {
	hash := common.HexToHash("0xdef")
	backend := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		hash: {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)},
	}}
	client := newTestClient(t, backend)
	_, err := client.WaitMinedWithin(context.Background(), hash, MinTxTimeout)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrWaitTimeout), "revert must not look like a timeout")
}
