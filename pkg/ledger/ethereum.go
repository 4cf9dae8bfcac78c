package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"wylloh/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc1155BalanceABI = `[{
	"inputs": [
		{"internalType": "address", "name": "account", "type": "address"},
		{"internalType": "uint256", "name": "id", "type": "uint256"}
	],
	"name": "balanceOf",
	"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}]`

var erc1155ABI = mustParseABI(erc1155BalanceABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// chainClient is the part of ethclient.Client this package uses.
type chainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// EthereumLedger reads ERC-1155 balances through one RPC endpoint.
type EthereumLedger struct {
	name         string
	client       chainClient
	contract     common.Address
	timeout      time.Duration
	pollInterval time.Duration
}

// EthereumOptions configures an EthereumLedger.
type EthereumOptions struct {
	Name            string
	RPCURL          string
	ContractAddress string
	Timeout         time.Duration
}

// DialEthereum connects to an RPC endpoint.
func DialEthereum(ctx context.Context, opts EthereumOptions) (*EthereumLedger, error) {
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("%w: contract address %q", models.ErrInvalidInput, opts.ContractAddress)
	}
	client, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger %s: %w", opts.RPCURL, err)
	}
	return newEthereumLedger(opts.Name, client, common.HexToAddress(opts.ContractAddress), opts.Timeout), nil
}

func newEthereumLedger(name string, client chainClient, contract common.Address, timeout time.Duration) *EthereumLedger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if name == "" {
		name = "ethereum"
	}
	return &EthereumLedger{
		name:         name,
		client:       client,
		contract:     contract,
		timeout:      timeout,
		pollInterval: time.Second,
	}
}

func (l *EthereumLedger) Name() string { return l.name }

// TokenIDForContent maps a content id onto its ERC-1155 token id. Numeric
// ids (decimal or 0x-hex) are used as is; anything else is hashed.
func TokenIDForContent(contentID string) *big.Int {
	if id, ok := new(big.Int).SetString(contentID, 10); ok && id.Sign() >= 0 {
		return id
	}
	if strings.HasPrefix(contentID, "0x") {
		if id, ok := new(big.Int).SetString(contentID[2:], 16); ok {
			return id
		}
	}
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(contentID)))
}

// BalanceOf returns the principal's token quantity for contentID.
func (l *EthereumLedger) BalanceOf(ctx context.Context, principal, contentID string) (*big.Int, error) {
	if !common.IsHexAddress(principal) {
		return nil, fmt.Errorf("%w: principal %q is not an address", models.ErrInvalidInput, principal)
	}

	data, err := erc1155ABI.Pack("balanceOf", common.HexToAddress(principal), TokenIDForContent(contentID))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	out, err := l.client.CallContract(callCtx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s balanceOf: %w", l.name, err)
	}

	values, err := erc1155ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("%s balanceOf: decode: %w", l.name, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s balanceOf: expected 1 output, got %d", l.name, len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s balanceOf: unexpected output type %T", l.name, values[0])
	}
	return balance, nil
}

// SubmitTransaction broadcasts a signed, binary-encoded transaction and
// polls for its receipt until ctx is done.
func (l *EthereumLedger) SubmitTransaction(ctx context.Context, rawTx []byte) (*TxReceipt, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return nil, fmt.Errorf("%w: transaction: %v", models.ErrInvalidInput, err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction signature: %v", models.ErrInvalidInput, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, l.timeout)
	err = l.client.SendTransaction(sendCtx, tx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%s send transaction: %w", l.name, err)
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			return &TxReceipt{
				TxHash:      tx.Hash().Hex(),
				From:        from.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				Status:      receipt.Status,
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%s receipt %s: %w", l.name, tx.Hash().Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *EthereumLedger) Close() {
	l.client.Close()
}
