// Package eip712 computes EIP-712 typed-data digests and recovers signers for
// the two structs the facilitator consumes: EIP-3009 transferWithAuthorization
// and the deferred-payment Voucher.
package eip712

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"facilitatord/internal/types"
)

// Domain mirrors the EIP-712 domain separator fields.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	transferAuthTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))

	voucherTypeHash = crypto.Keccak256Hash([]byte(
		"Voucher(bytes32 id,address buyer,address seller,uint256 valueAggregate,address asset,uint256 timestamp,uint256 nonce,address escrow,uint256 chainId)",
	))
)

func padLeft32(i *big.Int) []byte {
	if i == nil {
		return make([]byte, 32)
	}
	b := i.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func addressTo32(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

func uint64To32(v uint64) []byte {
	return padLeft32(new(big.Int).SetUint64(v))
}

func keccakParts(parts ...[]byte) common.Hash {
	joined := make([]byte, 0, 32*len(parts))
	for _, p := range parts {
		joined = append(joined, p...)
	}
	return crypto.Keccak256Hash(joined)
}

// DomainSeparator computes keccak256(abi.encode(domainTypeHash, keccak256(name),
// keccak256(version), chainId, verifyingContract)).
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.VerifyingContract == "" {
		return common.Hash{}, errors.New("eip712: incomplete domain")
	}
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))
	verifying := common.HexToAddress(d.VerifyingContract)
	chainID := new(big.Int).SetInt64(d.ChainID)
	return keccakParts(
		domainTypeHash.Bytes(),
		nameHash.Bytes(),
		versionHash.Bytes(),
		padLeft32(chainID),
		addressTo32(verifying),
	), nil
}

// TypedDataHash returns keccak256("\x19\x01", domainSeparator, structHash).
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	prefix := []byte{0x19, 0x01}
	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, prefix...)
	buf = append(buf, domainSeparator.Bytes()...)
	buf = append(buf, structHash.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

func hashTransferWithAuthorizationStruct(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	return keccakParts(
		transferAuthTypeHash.Bytes(),
		addressTo32(from),
		addressTo32(to),
		padLeft32(value),
		padLeft32(validAfter),
		padLeft32(validBefore),
		nonce[:],
	)
}

func hashVoucherStruct(v types.Voucher) (common.Hash, error) {
	idBytes, err := hexToBytes32(v.ID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eip712: voucher id: %w", err)
	}
	buyer := common.HexToAddress(v.Buyer)
	seller := common.HexToAddress(v.Seller)
	asset := common.HexToAddress(v.Asset)
	escrow := common.HexToAddress(v.Escrow)
	return keccakParts(
		voucherTypeHash.Bytes(),
		idBytes[:],
		addressTo32(buyer),
		addressTo32(seller),
		padLeft32(v.ValueAggregate),
		addressTo32(asset),
		uint64To32(uint64(v.Timestamp)),
		uint64To32(v.Nonce),
		addressTo32(escrow),
		padLeft32(new(big.Int).SetInt64(v.ChainID)),
	), nil
}

func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) > 64 {
		return out, errors.New("eip712: value exceeds 32 bytes")
	}
	b, err := decodeHex(trimmed)
	if err != nil {
		return out, err
	}
	copy(out[32-len(b):], b)
	return out, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("eip712: %w", err)
	}
	return b, nil
}

// TransferAuthDigest builds the EIP-712 digest for an EIP-3009 authorization.
func TransferAuthDigest(domain Domain, p types.PaymentAuthorization) (common.Hash, error) {
	domainSep, err := DomainSeparator(domain)
	if err != nil {
		return common.Hash{}, err
	}
	from := common.HexToAddress(p.From)
	to := common.HexToAddress(p.To)
	nonce, err := hexToBytes32(p.Nonce)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eip712: nonce: %w", err)
	}
	structHash := hashTransferWithAuthorizationStruct(
		from, to, p.Value,
		big.NewInt(p.ValidAfter), big.NewInt(p.ValidBefore),
		nonce,
	)
	return TypedDataHash(domainSep, structHash), nil
}

// VoucherDigest builds the EIP-712 digest for a deferred payment voucher.
func VoucherDigest(domain Domain, v types.Voucher) (common.Hash, error) {
	domainSep, err := DomainSeparator(domain)
	if err != nil {
		return common.Hash{}, err
	}
	structHash, err := hashVoucherStruct(v)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(domainSep, structHash), nil
}

// RecoverSigner recovers the address that produced sig over digest. sig must
// be 65 bytes (R || S || V); V is normalized from {0,1} to {27,28}.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("eip712: signature must be 65 bytes")
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] < 27 {
		s[64] += 27
	}
	// crypto.SigToPub expects V in {0,1}.
	normalized := make([]byte, 65)
	copy(normalized, s)
	normalized[64] -= 27

	pubKey, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("eip712: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// PaymentID derives the deterministic settlement primary key from a signature:
// keccak256(signature).
func PaymentID(signatureHex string) (string, error) {
	trimmed := strings.TrimPrefix(signatureHex, "0x")
	b, err := decodeHex(trimmed)
	if err != nil {
		return "", fmt.Errorf("eip712: payment id: %w", err)
	}
	return "0x" + common.Bytes2Hex(crypto.Keccak256(b)), nil
}
