package chainrpc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"facilitatord/internal/types"
)

// KeySigner signs transferWithAuthorization submissions with the
// facilitator's process-wide private key. It dials its own connection to read
// the account nonce and suggested gas price at signing time, independent of
// the Adapter's connection.
type KeySigner struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	token    common.Address
	chainID  *big.Int
	endpoint string

	mu  sync.Mutex
	eth *ethclient.Client
}

// SignerFromKey builds a KeySigner from a hex-encoded secp256k1 private key.
// The endpoint is dialed lazily on the first signing call.
func SignerFromKey(hexKey, tokenAddress string, chainID int64) *KeySigner {
	key, err := gethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return &KeySigner{}
	}
	return &KeySigner{
		key:     key,
		address: gethcrypto.PubkeyToAddress(key.PublicKey),
		token:   common.HexToAddress(tokenAddress),
		chainID: big.NewInt(chainID),
	}
}

// WithEndpoint sets the JSON-RPC endpoint used to read nonce and gas price.
// Chained onto SignerFromKey's return value before the adapter is dialed.
func (s *KeySigner) WithEndpoint(endpoint string) *KeySigner {
	s.endpoint = endpoint
	return s
}

// Address returns the facilitator's signing address.
func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) client(ctx context.Context) (*ethclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eth != nil {
		return s.eth, nil
	}
	eth, err := ethclient.DialContext(ctx, s.endpoint)
	if err != nil {
		return nil, err
	}
	s.eth = eth
	return eth, nil
}

// SignTransferWithAuthorization encodes and signs a transferWithAuthorization
// call against the configured token contract. The payer's own EIP-712
// signature already authorizes the value transfer; this signature only
// authorizes the facilitator's relaying transaction.
func (s *KeySigner) SignTransferWithAuthorization(ctx context.Context, p types.PaymentAuthorization) ([]byte, error) {
	data, err := encodeTransferWithAuthorization(p)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: encode call: %w", err)
	}
	return s.SignContractCall(ctx, s.token.Hex(), data)
}

// SignContractCall signs an arbitrary contract call from the facilitator's
// process-wide account, used both for token transfers and for bond/escrow
// contract writes that share this signer.
func (s *KeySigner) SignContractCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	if s.key == nil {
		return nil, fmt.Errorf("chainrpc: signer has no configured key")
	}

	eth, err := s.client(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: dial signer endpoint: %w", err)
	}
	nonce, err := eth.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: read nonce: %w", err)
	}
	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: suggest gas price: %w", err)
	}

	toAddr := common.HexToAddress(to)
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    big.NewInt(0),
		Gas:      120000,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := gethtypes.NewEIP155Signer(s.chainID)
	signed, err := gethtypes.SignTx(tx, signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: sign tx: %w", err)
	}
	return signed.MarshalBinary()
}

// encodeTransferWithAuthorization ABI-encodes the EIP-3009 call. v/r/s are
// split out of the compact signature the payer produced over the EIP-712
// digest.
func encodeTransferWithAuthorization(p types.PaymentAuthorization) ([]byte, error) {
	sigBytes := common.FromHex(p.Signature)
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	r := new(big.Int).SetBytes(sigBytes[0:32])
	sVal := new(big.Int).SetBytes(sigBytes[32:64])
	v := sigBytes[64]
	if v < 27 {
		v += 27
	}

	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	uint8Ty, _ := abi.NewType("uint8", "", nil)

	args := abi.Arguments{
		{Type: addressTy}, {Type: addressTy}, {Type: uint256Ty},
		{Type: uint256Ty}, {Type: uint256Ty}, {Type: bytes32Ty},
		{Type: uint8Ty}, {Type: bytes32Ty}, {Type: bytes32Ty},
	}

	var nonce [32]byte
	copy(nonce[:], common.FromHex(p.Nonce))
	var rBytes, sBytes [32]byte
	r.FillBytes(rBytes[:])
	sVal.FillBytes(sBytes[:])

	packed, err := args.Pack(
		common.HexToAddress(p.From),
		common.HexToAddress(p.To),
		p.Value,
		big.NewInt(p.ValidAfter),
		big.NewInt(p.ValidBefore),
		nonce,
		v,
		rBytes,
		sBytes,
	)
	if err != nil {
		return nil, err
	}
	selector := common.FromHex(transferWithAuthorizationSelector)
	return append(selector, packed...), nil
}
