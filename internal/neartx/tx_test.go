package neartx

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
)

func TestParseU128(t *testing.T) {
	cases := []struct {
		in   string
		want U128
	}{
		{"0", U128{}},
		{"1", U128{1}},
		{"256", U128{0, 1}},
	}
	for _, c := range cases {
		got, err := ParseU128(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
}

func TestParseU128Rejects(t *testing.T) {
	_, err := ParseU128("-1")
	require.Error(t, err)
	_, err = ParseU128("not-a-number")
	require.Error(t, err)
}

func TestBuildSignatureVerifies(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	kp := nearkey.KeyPair{Public: pub, Private: priv}

	params := BuildParams{
		SignerID:   "gateway.near",
		SignerKey:  kp,
		ReceiverID: "token.near",
		Nonce:      43,
		BlockHash:  [32]byte{1, 2, 3},
		Call: FunctionCall{
			MethodName: "ft_transfer",
			Args:       []byte(`{"receiver_id":"alice.testnet","amount":"100"}`),
			Gas:        30_000_000_000_000,
			Deposit:    "1",
		},
	}

	signed, wire, err := Build(params)
	require.NoError(t, err)
	require.NotEmpty(t, wire)

	hash, err := Hash(signed.Transaction)
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, hash[:], signed.Signature.ED25519[:]))

	require.Equal(t, uint64(43), signed.Transaction.Nonce)
	require.Equal(t, "ft_transfer", signed.Transaction.Actions[0].FunctionCall.MethodName)
}

// TestTransactionFieldOrder pins the Borsh layout of the simplest possible
// transaction (empty signer/receiver ids, no actions) against a manually
// computed byte string, guarding against accidental field reordering.
func TestTransactionFieldOrder(t *testing.T) {
	txn := Transaction{
		SignerID:   "",
		PublicKey:  PublicKey{Enum: 0},
		Nonce:      1,
		ReceiverID: "",
		BlockHash:  [32]byte{},
		Actions:    nil,
	}
	hash, err := Hash(txn)
	require.NoError(t, err)
	require.Len(t, hash, 32)

	// signer_id: u32 len(0) + "" ; public_key: u8 enum(0) + [32]byte(zero);
	// nonce: u64 LE(1); receiver_id: u32 len(0) + ""; block_hash: [32]byte;
	// actions: u32 len(0).
	expectedLen := 4 + 0 + 1 + 32 + 8 + 4 + 0 + 32 + 4
	var buf []byte
	buf = append(buf, u32le(0)...)
	buf = append(buf, 0)
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, u64le(1)...)
	buf = append(buf, u32le(0)...)
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, u32le(0)...)
	require.Len(t, buf, expectedLen)
	require.Equal(t, sha256.Sum256(buf), hash)
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
