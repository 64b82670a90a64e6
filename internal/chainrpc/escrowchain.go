package chainrpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"facilitatord/internal/types"
	"facilitatord/internal/voucherstore"
)

const (
	escrowCollectSelector       = "0x6d114dc1" // collect(bytes32,address,address,uint256,uint256,uint8,bytes32,bytes32)
	escrowAccountSelector       = "0x73b9aa91" // account(address)
	escrowSettledNonceSelector  = "0x9ca13131" // settledNonce(bytes32)
	escrowCollectedValSelector  = "0x40d6b6dc" // collectedValue(bytes32)
)

// EscrowAdapter implements voucherstore.Escrow against the escrow contract.
type EscrowAdapter struct {
	client  *Adapter
	address string
}

// NewEscrowAdapter wraps an Adapter to talk to the escrow contract at address.
func NewEscrowAdapter(client *Adapter, address string) *EscrowAdapter {
	return &EscrowAdapter{client: client, address: address}
}

var _ voucherstore.Escrow = (*EscrowAdapter)(nil)

// Collect submits collect() with the voucher's full value aggregate and its
// signature split into v/r/s. No delta is computed here: the contract pays out
// the difference from its collected value and enforces monotonicity itself.
func (e *EscrowAdapter) Collect(ctx context.Context, v types.Voucher) (string, error) {
	sigBytes := common.FromHex(v.Signature)
	if len(sigBytes) != 65 {
		return "", fmt.Errorf("escrowchain: signature must be 65 bytes")
	}
	r := new(big.Int).SetBytes(sigBytes[0:32])
	sVal := new(big.Int).SetBytes(sigBytes[32:64])
	vByte := sigBytes[64]
	if vByte < 27 {
		vByte += 27
	}

	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	uint8Ty, _ := abi.NewType("uint8", "", nil)

	args := abi.Arguments{
		{Type: bytes32Ty}, {Type: addressTy}, {Type: addressTy},
		{Type: uint256Ty}, {Type: uint256Ty}, {Type: uint8Ty},
		{Type: bytes32Ty}, {Type: bytes32Ty},
	}
	var rBytes, sBytes [32]byte
	r.FillBytes(rBytes[:])
	sVal.FillBytes(sBytes[:])

	packed, err := args.Pack(
		paymentIDBytes32(v.ID),
		common.HexToAddress(v.Buyer),
		common.HexToAddress(v.Seller),
		v.ValueAggregate,
		new(big.Int).SetUint64(v.Nonce),
		vByte,
		rBytes,
		sBytes,
	)
	if err != nil {
		return "", fmt.Errorf("escrowchain: pack collect: %w", err)
	}

	ctx, cancel := e.client.withTimeout(ctx)
	defer cancel()
	data := append(common.FromHex(escrowCollectSelector), packed...)
	raw, err := e.client.signer.SignContractCall(ctx, e.address, data)
	if err != nil {
		return "", fmt.Errorf("escrowchain: sign: %w", err)
	}
	var txHash common.Hash
	if err := e.client.rpcClient.CallContext(ctx, &txHash, "eth_sendRawTransaction", "0x"+common.Bytes2Hex(raw)); err != nil {
		return "", fmt.Errorf("escrowchain: submit: %w", err)
	}
	return txHash.Hex(), nil
}

// GetAccount reads account(buyer), returning the escrow's balance/thaw view.
func (e *EscrowAdapter) GetAccount(ctx context.Context, buyer string) (types.BuyerAccount, error) {
	ctx, cancel := e.client.withTimeout(ctx)
	defer cancel()
	data := escrowAccountSelector + leftPad32Hex(common.HexToAddress(buyer).Bytes())
	result, err := e.client.ethCall(ctx, e.address, data)
	if err != nil {
		return types.BuyerAccount{}, fmt.Errorf("escrowchain: call account: %w", err)
	}
	if len(result) < 96 {
		return types.BuyerAccount{}, fmt.Errorf("escrowchain: short account response")
	}
	return types.BuyerAccount{
		Balance:       new(big.Int).SetBytes(result[0:32]),
		ThawingAmount: new(big.Int).SetBytes(result[32:64]),
		ThawEndTime:   new(big.Int).SetBytes(result[64:96]).Int64(),
	}, nil
}

// GetSettledNonce reads settledNonce(id), the escrow's high-water mark.
func (e *EscrowAdapter) GetSettledNonce(ctx context.Context, id string) (uint64, error) {
	ctx, cancel := e.client.withTimeout(ctx)
	defer cancel()
	key := paymentIDBytes32(id)
	data := escrowSettledNonceSelector + common.Bytes2Hex(key[:])
	result, err := e.client.ethCall(ctx, e.address, data)
	if err != nil {
		return 0, fmt.Errorf("escrowchain: call settled nonce: %w", err)
	}
	return new(big.Int).SetBytes(result).Uint64(), nil
}

// GetCollectedValue reads collectedValue(id), the cumulative amount collected
// so far against a voucher lineage.
func (e *EscrowAdapter) GetCollectedValue(ctx context.Context, id string) (*big.Int, error) {
	ctx, cancel := e.client.withTimeout(ctx)
	defer cancel()
	key := paymentIDBytes32(id)
	data := escrowCollectedValSelector + common.Bytes2Hex(key[:])
	result, err := e.client.ethCall(ctx, e.address, data)
	if err != nil {
		return nil, fmt.Errorf("escrowchain: call collected value: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}
