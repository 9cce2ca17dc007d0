package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// transferGasLimit covers a standard ERC-20 transfer with headroom for
// tokens that touch extra storage slots on first receipt.
const transferGasLimit = 100_000

// Broadcaster sends treasury token transfers. Funding workers depend on
// this interface so tests can substitute a recorder.
type Broadcaster interface {
	// TreasuryAddress is the sender of all funding transfers.
	TreasuryAddress() common.Address
	// Transfer moves amount base units of the configured token from the
	// treasury to the recipient and returns the transaction hash.
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	Close()
}

// EthBroadcaster funds wallets from a treasury key over an Ethereum
// JSON-RPC endpoint.
type EthBroadcaster struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	treasury common.Address
	token    common.Address
	chainID  *big.Int
}

// NewBroadcaster dials the endpoint and verifies it is reachable by
// fetching the chain id.
func NewBroadcaster(ctx context.Context, rpcURL, treasuryKeyHex, tokenAddress string) (*EthBroadcaster, error) {
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", tokenAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(treasuryKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse treasury key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	return &EthBroadcaster{
		client:   client,
		key:      key,
		treasury: crypto.PubkeyToAddress(key.PublicKey),
		token:    common.HexToAddress(tokenAddress),
		chainID:  chainID,
	}, nil
}

func (b *EthBroadcaster) TreasuryAddress() common.Address {
	return b.treasury
}

func (b *EthBroadcaster) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("transfer amount must be positive")
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.treasury)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, b.token, big.NewInt(0), transferGasLimit, gasPrice, transferCalldata(to, amount))
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transfer: %w", err)
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast transfer: %w", err)
	}
	return signed.Hash(), nil
}

func (b *EthBroadcaster) Close() {
	b.client.Close()
}

// transferCalldata encodes transfer(address,uint256).
func transferCalldata(to common.Address, amount *big.Int) []byte {
	selector := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

	data := make([]byte, 0, 4+32+32)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
