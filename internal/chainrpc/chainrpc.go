// Package chainrpc is a thin, typed wrapper around an EVM JSON-RPC endpoint
// exposing exactly the operations the facilitator core consumes. None of the
// operations retry internally; retry policy belongs to the settlement engine.
package chainrpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"facilitatord/internal/types"
)

// Client is the capability set the core depends on. Production code talks to
// Adapter; tests substitute a fake.
type Client interface {
	BalanceOf(ctx context.Context, token, address string) (*big.Int, error)
	IsAuthorizationUsed(ctx context.Context, token, authorizer, nonce string) (bool, error)
	SubmitTransfer(ctx context.Context, p types.PaymentAuthorization) (string, error)
	WaitForReceipt(ctx context.Context, handle string, confirmations uint64) (*types.Receipt, error)
	CurrentHeight(ctx context.Context) (uint64, error)
	CurrentGasPrice(ctx context.Context) (*big.Int, error)
}

// erc20BalanceOfSelector is the 4-byte selector for balanceOf(address).
const erc20BalanceOfSelector = "0x70a08231"

// erc3009AuthorizationStateSelector is the 4-byte selector for
// authorizationState(address,bytes32).
const erc3009AuthorizationStateSelector = "0xe94a0102"

// transferWithAuthorizationSelector is the 4-byte selector for
// transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32).
const transferWithAuthorizationSelector = "0xe3ee160e"

// Adapter is the production Client backed by go-ethereum's ethclient over an
// HTTP or websocket JSON-RPC endpoint.
type Adapter struct {
	rpcClient *rpc.Client
	eth       *ethclient.Client
	signer    Signer
	timeout   time.Duration
}

// Signer produces the raw transaction bytes for a submitted authorization. In
// production this wraps the facilitator's process-wide signing key; the chain
// manages the nonce for that key so the adapter never pipelines conflicting
// transactions on it beyond mempool ordering.
type Signer interface {
	SignTransferWithAuthorization(ctx context.Context, p types.PaymentAuthorization) ([]byte, error)
	SignContractCall(ctx context.Context, to string, data []byte) ([]byte, error)
}

// NewAdapter dials the given JSON-RPC endpoint and wraps it for facilitator use.
func NewAdapter(ctx context.Context, endpoint string, signer Signer, timeout time.Duration) (*Adapter, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: dial: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		signer:    signer,
		timeout:   timeout,
	}, nil
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// BalanceOf reads an ERC-20 balance via eth_call.
func (a *Adapter) BalanceOf(ctx context.Context, token, address string) (*big.Int, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	data := erc20BalanceOfSelector + leftPad32Hex(common.HexToAddress(address).Bytes())
	result, err := a.ethCall(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBalanceCheckFailed, err)
	}
	return new(big.Int).SetBytes(result), nil
}

// IsAuthorizationUsed checks the stablecoin's authorization state. Transport
// errors are swallowed and reported as "not used" per the best-effort contract
// documented on the verification pipeline's nonce-uniqueness gate.
func (a *Adapter) IsAuthorizationUsed(ctx context.Context, token, authorizer, nonce string) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	data := erc3009AuthorizationStateSelector +
		leftPad32Hex(common.HexToAddress(authorizer).Bytes()) +
		trimHexPrefix(nonce)
	result, err := a.ethCall(ctx, token, data)
	if err != nil {
		return false, nil
	}
	for _, b := range result {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// SubmitTransfer signs and broadcasts a transferWithAuthorization call,
// returning an opaque transaction handle (the transaction hash).
func (a *Adapter) SubmitTransfer(ctx context.Context, p types.PaymentAuthorization) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	raw, err := a.signer.SignTransferWithAuthorization(ctx, p)
	if err != nil {
		return "", fmt.Errorf("chainrpc: sign transfer: %w", err)
	}
	var txHash common.Hash
	if err := a.rpcClient.CallContext(ctx, &txHash, "eth_sendRawTransaction", "0x"+common.Bytes2Hex(raw)); err != nil {
		return "", fmt.Errorf("chainrpc: submit transfer: %w", err)
	}
	return txHash.Hex(), nil
}

// WaitForReceipt performs a single, non-blocking poll of the transaction
// receipt. It never busy-waits; callers (the settlement worker) re-invoke it
// on their own tick.
func (a *Adapter) WaitForReceipt(ctx context.Context, handle string, confirmations uint64) (*types.Receipt, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	receipt, err := a.eth.TransactionReceipt(ctx, common.HexToHash(handle))
	if err != nil {
		return nil, types.ErrPending
	}
	head, err := a.eth.BlockNumber(ctx)
	if err == nil && confirmations > 0 {
		if head < receipt.BlockNumber.Uint64()+confirmations-1 {
			return nil, types.ErrPending
		}
	}
	return &types.Receipt{
		TxHandle: handle,
		Status:   int(receipt.Status),
		Height:   receipt.BlockNumber.Uint64(),
	}, nil
}

// CurrentHeight returns the chain's current block height.
func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	height, err := a.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrRPCUnavailable, err)
	}
	return height, nil
}

// CurrentGasPrice returns the chain's suggested gas price.
func (a *Adapter) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	price, err := a.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRPCUnavailable, err)
	}
	return price, nil
}

func (a *Adapter) ethCall(ctx context.Context, to, data string) ([]byte, error) {
	callArgs := map[string]interface{}{
		"to":   to,
		"data": data,
	}
	var result string
	if err := a.rpcClient.CallContext(ctx, &result, "eth_call", callArgs, "latest"); err != nil {
		return nil, err
	}
	return common.FromHex(result), nil
}

func leftPad32Hex(b []byte) string {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return common.Bytes2Hex(out)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	for len(s) < 64 {
		s = "0" + s
	}
	return s
}

// Close releases the underlying RPC connection.
func (a *Adapter) Close() {
	a.eth.Close()
}
