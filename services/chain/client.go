// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chain adapts the EVM-compatible registry contracts behind the
// publish pipeline: the IP license workflows, the IP asset and license
// registries, and the track/content registries used by finalize.
//
// All writes are sponsored by a process-wide key held in a memguard enclave
// and only decrypted for the duration of a signature. Waits on receipts are
// cancelable with a per-transaction deadline; on timeout the caller is
// expected to re-check on-chain state before treating the transaction as
// failed, because a slow-but-confirmed transaction must not be replayed.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Default and boundary values for per-transaction receipt waits.
const (
	DefaultTxTimeout = 45 * time.Second
	MinTxTimeout     = 1 * time.Second
	MaxTxTimeout     = 300 * time.Second

	receiptPollInterval = 2 * time.Second
)

// ClampTxTimeout clamps a requested wait into [MinTxTimeout, MaxTxTimeout],
// substituting the default for zero.
func ClampTxTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultTxTimeout
	}
	if d < MinTxTimeout {
		return MinTxTimeout
	}
	if d > MaxTxTimeout {
		return MaxTxTimeout
	}
	return d
}

// Backend is the subset of the ethclient surface the adapter depends on.
// *ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Addresses collects the deployed contract addresses the adapter talks to.
type Addresses struct {
	LicenseWorkflows    common.Address
	DerivativeWorkflows common.Address
	IPAssetRegistry     common.Address
	LicenseRegistry     common.Address
	TrackRegistry       common.Address
	ContentRegistry     common.Address
	// Collection is the SPG NFT contract whose Transfer events carry the
	// minted token id.
	Collection common.Address
}

// Config assembles the adapter from environment-style inputs.
type Config struct {
	RPCURL     string
	ChainID    *big.Int
	Addresses  Addresses
	PrivateKey string // hex, no 0x prefix; moved into an enclave immediately
	TxTimeout  time.Duration
}

// Client executes reads and sponsored writes against the registries.
type Client struct {
	backend   Backend
	abis      *parsedABIs
	chainID   *big.Int
	addrs     Addresses
	sponsor   common.Address
	key       *memguard.Enclave
	txTimeout time.Duration
}

// New connects to the RPC endpoint and prepares the adapter. The private
// key hex is sealed into a memguard enclave and wiped from the config.
func New(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain rpc url not configured")
	}
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return NewWithBackend(eth, cfg)
}

// NewWithBackend builds the adapter over an explicit backend. Used directly
// by tests and by New.
func NewWithBackend(backend Backend, cfg Config) (*Client, error) {
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id not configured")
	}
	abis, err := parseABIs()
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abis: %w", err)
	}

	client := &Client{
		backend:   backend,
		abis:      abis,
		chainID:   cfg.ChainID,
		addrs:     cfg.Addresses,
		txTimeout: ClampTxTimeout(cfg.TxTimeout),
	}

	if cfg.PrivateKey != "" {
		keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x")
		priv, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid sponsor private key: %w", err)
		}
		client.sponsor = crypto.PubkeyToAddress(priv.PublicKey)
		client.key = memguard.NewEnclave([]byte(keyHex))
	}

	return client, nil
}

// NewFromEnv reads CHAIN_RPC_URL, CHAIN_ID, CHAIN_SPONSOR_KEY (with
// /run/secrets/chain_sponsor_key fallback), and the CONTRACT_* addresses.
func NewFromEnv() (*Client, error) {
	rpcURL := strings.Trim(os.Getenv("CHAIN_RPC_URL"), "\"' ")
	if rpcURL == "" {
		return nil, fmt.Errorf("CHAIN_RPC_URL environment variable not set")
	}

	chainID, ok := new(big.Int).SetString(os.Getenv("CHAIN_ID"), 10)
	if !ok {
		return nil, fmt.Errorf("CHAIN_ID environment variable not set or not a number")
	}

	key := os.Getenv("CHAIN_SPONSOR_KEY")
	if key == "" {
		secretPath := "/run/secrets/chain_sponsor_key"
		keyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			key = strings.TrimSpace(string(keyBytes))
			slog.Info("Read the chain sponsor key from container secrets")
		}
	}

	timeout := DefaultTxTimeout
	if raw := os.Getenv("CHAIN_TX_TIMEOUT_SECONDS"); raw != "" {
		if seconds, err := time.ParseDuration(raw + "s"); err == nil {
			timeout = ClampTxTimeout(seconds)
		}
	}

	cfg := Config{
		RPCURL:     rpcURL,
		ChainID:    chainID,
		PrivateKey: key,
		TxTimeout:  timeout,
		Addresses: Addresses{
			LicenseWorkflows:    common.HexToAddress(os.Getenv("CONTRACT_LICENSE_WORKFLOWS")),
			DerivativeWorkflows: common.HexToAddress(os.Getenv("CONTRACT_DERIVATIVE_WORKFLOWS")),
			IPAssetRegistry:     common.HexToAddress(os.Getenv("CONTRACT_IP_ASSET_REGISTRY")),
			LicenseRegistry:     common.HexToAddress(os.Getenv("CONTRACT_LICENSE_REGISTRY")),
			TrackRegistry:       common.HexToAddress(os.Getenv("CONTRACT_TRACK_REGISTRY")),
			ContentRegistry:     common.HexToAddress(os.Getenv("CONTRACT_CONTENT_REGISTRY")),
			Collection:          common.HexToAddress(os.Getenv("CONTRACT_COLLECTION")),
		},
	}
	return New(cfg)
}

// Sponsor returns the address paying for sponsored writes.
func (c *Client) Sponsor() common.Address { return c.sponsor }

// Collection returns the configured SPG NFT collection address.
func (c *Client) Collection() common.Address { return c.addrs.Collection }

// TxTimeout returns the configured per-transaction receipt deadline.
func (c *Client) TxTimeout() time.Duration { return c.txTimeout }

// submit signs and sends a state-changing call, returning the transaction.
func (c *Client) submit(ctx context.Context, to common.Address, calldata []byte) (*types.Transaction, error) {
	if c.key == nil {
		return nil, fmt.Errorf("chain sponsor key not configured")
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.sponsor)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sponsor nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: c.sponsor,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("gas estimation failed: %w", err)
	}

	buf, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open sponsor key enclave: %w", err)
	}
	defer buf.Destroy()

	priv, err := crypto.HexToECDSA(buf.String())
	if err != nil {
		return nil, fmt.Errorf("sponsor key corrupted: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit + gasLimit/5,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	slog.Info("Submitted transaction", "tx_hash", signed.Hash().Hex(), "to", to.Hex(), "nonce", nonce)
	return signed, nil
}

// WaitMined blocks until the transaction has a receipt or the per-tx
// deadline elapses. ErrWaitTimeout distinguishes a deadline from a revert
// so callers can re-check on-chain state before reporting failure.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.WaitMinedWithin(ctx, txHash, c.txTimeout)
}

// ErrWaitTimeout signals the receipt wait deadline elapsed before the
// transaction was observed mined. The transaction may still land.
var ErrWaitTimeout = fmt.Errorf("timed out waiting for transaction receipt")

// WaitMinedWithin is WaitMined with an explicit deadline.
func (c *Client) WaitMinedWithin(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, ClampTxTimeout(timeout))
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("transaction %s reverted", txHash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}
