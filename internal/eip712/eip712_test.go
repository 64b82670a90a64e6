package eip712_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"facilitatord/internal/eip712"
	"facilitatord/internal/types"
)

func testDomain() eip712.Domain {
	return eip712.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           8453,
		VerifyingContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func TestDomainSeparator_RejectsIncompleteDomain(t *testing.T) {
	_, err := eip712.DomainSeparator(eip712.Domain{Name: "USD Coin"})
	require.Error(t, err)
}

func TestDomainSeparator_DeterministicAndSensitiveToFields(t *testing.T) {
	a, err := eip712.DomainSeparator(testDomain())
	require.NoError(t, err)

	b, err := eip712.DomainSeparator(testDomain())
	require.NoError(t, err)
	require.Equal(t, a, b)

	changed := testDomain()
	changed.ChainID = 1
	c, err := eip712.DomainSeparator(changed)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func testAuthorization() types.PaymentAuthorization {
	return types.PaymentAuthorization{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Value:       big.NewInt(1_000_000),
		ValidAfter:  0,
		ValidBefore: 9999999999,
		Nonce:       "0xabcd1234",
	}
}

func TestTransferAuthDigest_ChangesWithValue(t *testing.T) {
	domain := testDomain()
	auth := testAuthorization()

	d1, err := eip712.TransferAuthDigest(domain, auth)
	require.NoError(t, err)

	auth.Value = big.NewInt(2_000_000)
	d2, err := eip712.TransferAuthDigest(domain, auth)
	require.NoError(t, err)

	require.NotEqual(t, d1, d2)
}

func TestRecoverSigner_RoundTripsWithRealSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	expected := crypto.PubkeyToAddress(key.PublicKey)

	domain := testDomain()
	auth := testAuthorization()
	auth.From = expected.Hex()

	digest, err := eip712.TransferAuthDigest(domain, auth)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	recovered, err := eip712.RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, expected, recovered)
}

func TestRecoverSigner_RejectsWrongLengthSignature(t *testing.T) {
	_, err := eip712.RecoverSigner([32]byte{}, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestVoucherDigest_ChangesWithNonce(t *testing.T) {
	domain := testDomain()
	voucher := types.Voucher{
		ID:             "0x" + "11223344556677889900112233445566778899001122334455667788990011",
		Buyer:          "0x3333333333333333333333333333333333333333"[:42],
		Seller:         "0x4444444444444444444444444444444444444444"[:42],
		ValueAggregate: big.NewInt(500),
		Asset:          "0x5555555555555555555555555555555555555555"[:42],
		Timestamp:      1700000000,
		Nonce:          1,
		Escrow:         "0x6666666666666666666666666666666666666666"[:42],
		ChainID:        8453,
	}

	d1, err := eip712.VoucherDigest(domain, voucher)
	require.NoError(t, err)

	voucher.Nonce = 2
	d2, err := eip712.VoucherDigest(domain, voucher)
	require.NoError(t, err)

	require.NotEqual(t, d1, d2)
}

func TestPaymentID_DeterministicFromSignature(t *testing.T) {
	id1, err := eip712.PaymentID("0xdeadbeef")
	require.NoError(t, err)

	id2, err := eip712.PaymentID("0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := eip712.PaymentID("0xdeadbeee")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestPaymentID_RejectsInvalidHex(t *testing.T) {
	_, err := eip712.PaymentID("0xzz")
	require.Error(t, err)
}
