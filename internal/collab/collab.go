// Package collab provides read-only clients for the collaborating on-chain
// contracts: the dataset registry (ownership and activity of the resources
// escrows reference) and the settlement asset (balances).
//
// The broker consults these during verification. Every call is a plain
// eth_call; nothing here signs or sends transactions.
package collab

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crossclaim/crossclaim/internal/retry"
)

// eth_call retry bounds. RPC endpoints flake; three quick attempts cover
// the common transient failures without holding up broker verification.
const (
	callAttempts = 3
	callBackoff  = 150 * time.Millisecond
)

var (
	ErrRPCConnection = errors.New("collab: RPC connection failed")
	ErrBadResponse   = errors.New("collab: malformed contract response")
)

// Registry answers ownership questions about dataset references.
type Registry interface {
	OwnerOf(ctx context.Context, datasetRef string) (string, error)
	IsActive(ctx context.Context, datasetRef string) (bool, error)
}

// Asset reads settlement-asset balances.
type Asset interface {
	BalanceOf(ctx context.Context, addr string) (*big.Int, error)
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const registryABI = `[
	{"constant":true,"inputs":[{"name":"ref","type":"bytes32"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"ref","type":"bytes32"}],"name":"isActive","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Config for creating a contract client.
type Config struct {
	RPCURL           string
	RegistryContract string
	AssetContract    string
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// Client reads the registry and asset contracts over a shared RPC connection.
type Client struct {
	client      EthClient
	registry    common.Address
	asset       common.Address
	registryABI abi.ABI
	assetABI    abi.ABI
}

var (
	_ Registry = (*Client)(nil)
	_ Asset    = (*Client)(nil)
)

// New creates a contract client. If no custom EthClient is supplied it
// dials the configured RPC endpoint.
func New(cfg Config, opts ...Option) (*Client, error) {
	regABI, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	astABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse asset ABI: %w", err)
	}

	c := &Client{
		registry:    common.HexToAddress(cfg.RegistryContract),
		asset:       common.HexToAddress(cfg.AssetContract),
		registryABI: regABI,
		assetABI:    astABI,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// refKey maps an arbitrary dataset reference onto the bytes32 key the
// registry contract indexes by.
func refKey(datasetRef string) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256([]byte(datasetRef)))
	return key
}

// call performs an eth_call against the given contract, retrying transient
// RPC failures with backoff.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var result []byte
	err := retry.Do(ctx, callAttempts, callBackoff, func() error {
		var callErr error
		result, callErr = c.client.CallContract(ctx, ethereum.CallMsg{
			To:   &to,
			Data: data,
		}, nil)
		return callErr
	})
	return result, err
}

// OwnerOf returns the lowercase address that owns the dataset reference.
func (c *Client) OwnerOf(ctx context.Context, datasetRef string) (string, error) {
	data, err := c.registryABI.Pack("ownerOf", refKey(datasetRef))
	if err != nil {
		return "", fmt.Errorf("failed to pack ownerOf call: %w", err)
	}

	result, err := c.call(ctx, c.registry, data)
	if err != nil {
		return "", fmt.Errorf("failed to call ownerOf: %w", err)
	}
	if len(result) < 32 {
		return "", ErrBadResponse
	}

	return strings.ToLower(common.BytesToAddress(result[12:32]).Hex()), nil
}

// IsActive reports whether the dataset reference is active in the registry.
func (c *Client) IsActive(ctx context.Context, datasetRef string) (bool, error) {
	data, err := c.registryABI.Pack("isActive", refKey(datasetRef))
	if err != nil {
		return false, fmt.Errorf("failed to pack isActive call: %w", err)
	}

	result, err := c.call(ctx, c.registry, data)
	if err != nil {
		return false, fmt.Errorf("failed to call isActive: %w", err)
	}
	if len(result) < 32 {
		return false, ErrBadResponse
	}

	return result[31] != 0, nil
}

// BalanceOf returns the raw settlement-asset balance of an address.
func (c *Client) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	data, err := c.assetABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.call(ctx, c.asset, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// StaticRegistry is an in-memory Registry for development and tests.
type StaticRegistry struct {
	Owners map[string]string // datasetRef -> owner address
	Active map[string]bool
}

func (s *StaticRegistry) OwnerOf(ctx context.Context, datasetRef string) (string, error) {
	owner, ok := s.Owners[datasetRef]
	if !ok {
		return "", fmt.Errorf("collab: unknown dataset reference %q", datasetRef)
	}
	return strings.ToLower(owner), nil
}

func (s *StaticRegistry) IsActive(ctx context.Context, datasetRef string) (bool, error) {
	return s.Active[datasetRef], nil
}

// StaticAsset is an in-memory Asset for development and tests.
type StaticAsset struct {
	Balances map[string]*big.Int
}

func (s *StaticAsset) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	if bal, ok := s.Balances[strings.ToLower(addr)]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}
