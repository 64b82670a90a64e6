package chainrpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"facilitatord/internal/bondledger"
)

// bond contract selectors, computed the same way as the token selectors in
// chainrpc.go.
const (
	bondCommitSelector    = "0x647e5fa8" // commitPayment(bytes32,address,uint256,uint256)
	bondReleaseSelector   = "0x7aa1ed58" // releasePayment(bytes32)
	bondClaimSelector     = "0x18cf60b6" // claimPayment(bytes32,address)
	bondExposureSelector  = "0xebf7a41e" // exposure()
	bondAvailableSelector = "0x5f34f8f9" // availableBond()
)

// BondChainAdapter implements bondledger.Chain against the bond contract's
// on-chain state, submitting writes through the same signer the token
// transfers use.
type BondChainAdapter struct {
	client  *Adapter
	address string
}

// NewBondChainAdapter wraps an Adapter to talk to the bond contract at address.
func NewBondChainAdapter(client *Adapter, address string) *BondChainAdapter {
	return &BondChainAdapter{client: client, address: address}
}

var _ bondledger.Chain = (*BondChainAdapter)(nil)

func paymentIDBytes32(id string) [32]byte {
	var out [32]byte
	h := common.BytesToHash([]byte(id))
	copy(out[:], h.Bytes())
	return out
}

// CommitPayment submits commitPayment(id, provider, amount, deadline).
func (b *BondChainAdapter) CommitPayment(ctx context.Context, paymentID, provider string, amount *big.Int, deadline time.Time) error {
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	args := abi.Arguments{{Type: bytes32Ty}, {Type: addressTy}, {Type: uint256Ty}, {Type: uint256Ty}}
	packed, err := args.Pack(paymentIDBytes32(paymentID), common.HexToAddress(provider), amount, big.NewInt(deadline.Unix()))
	if err != nil {
		return fmt.Errorf("bondchain: pack commit: %w", err)
	}
	return b.submit(ctx, bondCommitSelector, packed)
}

// ReleasePayment submits releasePayment(id).
func (b *BondChainAdapter) ReleasePayment(ctx context.Context, paymentID string) error {
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	packed, err := abi.Arguments{{Type: bytes32Ty}}.Pack(paymentIDBytes32(paymentID))
	if err != nil {
		return fmt.Errorf("bondchain: pack release: %w", err)
	}
	return b.submit(ctx, bondReleaseSelector, packed)
}

// ClaimPayment submits claimPayment(id, provider).
func (b *BondChainAdapter) ClaimPayment(ctx context.Context, paymentID, provider string) error {
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	packed, err := abi.Arguments{{Type: bytes32Ty}, {Type: addressTy}}.Pack(paymentIDBytes32(paymentID), common.HexToAddress(provider))
	if err != nil {
		return fmt.Errorf("bondchain: pack claim: %w", err)
	}
	return b.submit(ctx, bondClaimSelector, packed)
}

// Exposure reads exposure(), the aggregate outstanding collateral.
func (b *BondChainAdapter) Exposure(ctx context.Context) (*big.Int, error) {
	return b.readUint256(ctx, bondExposureSelector)
}

// AvailableBond reads availableBond(), the remaining uncommitted balance.
func (b *BondChainAdapter) AvailableBond(ctx context.Context) (*big.Int, error) {
	return b.readUint256(ctx, bondAvailableSelector)
}

func (b *BondChainAdapter) readUint256(ctx context.Context, selector string) (*big.Int, error) {
	ctx, cancel := b.client.withTimeout(ctx)
	defer cancel()
	result, err := b.client.ethCall(ctx, b.address, selector)
	if err != nil {
		return nil, fmt.Errorf("bondchain: call: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// submit signs and broadcasts a bond contract write using the same signer the
// adapter uses for token transfers, targeting the bond contract instead.
func (b *BondChainAdapter) submit(ctx context.Context, selector string, packed []byte) error {
	ctx, cancel := b.client.withTimeout(ctx)
	defer cancel()
	data := append(common.FromHex(selector), packed...)
	raw, err := b.client.signer.SignContractCall(ctx, b.address, data)
	if err != nil {
		return fmt.Errorf("bondchain: sign: %w", err)
	}
	var txHash common.Hash
	if err := b.client.rpcClient.CallContext(ctx, &txHash, "eth_sendRawTransaction", "0x"+common.Bytes2Hex(raw)); err != nil {
		return fmt.Errorf("bondchain: submit: %w", err)
	}
	return nil
}
