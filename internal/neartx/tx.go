// Package neartx builds and signs NEAR transactions using the chain's
// canonical Borsh wire format: bit-exact integer sizes and field ordering.
// It depends on github.com/near/borsh-go rather than hand-rolling a general
// Borsh encoder; the one piece that library leaves to the caller — u128 —
// is built by hand below, since Go has no native 128-bit integer to hang a
// struct field off of.
package neartx

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/near/borsh-go"

	"github.com/luxfi/near-dispatch-gateway/internal/nearkey"
)

// Curve discriminants, matching nearcore's KeyType/CurveType enum.
const (
	curveED25519 uint8 = 0
)

// Action discriminants, matching nearcore's Action enum ordering. Only
// FunctionCall is populated by this gateway; the rest exist so the
// discriminant indices line up with the chain's definition.
const (
	actionCreateAccount uint8 = iota
	actionDeployContract
	actionFunctionCall
	actionTransfer
	actionStake
	actionAddKey
	actionDeleteKey
	actionDeleteAccount
)

// PublicKey is nearcore's PublicKey enum: a curve discriminant followed by
// the raw key bytes for that curve.
type PublicKey struct {
	Enum      borsh.Enum `borsh_enum:"true"`
	ED25519   [32]byte
	SECP256K1 [64]byte
}

// Signature is nearcore's Signature enum.
type Signature struct {
	Enum      borsh.Enum `borsh_enum:"true"`
	ED25519   [64]byte
	SECP256K1 [65]byte
}

// FunctionCallAction is the only Action variant this gateway issues.
type FunctionCallAction struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    U128
}

// Action is nearcore's Action enum, reduced to the variant this gateway
// exercises. The unused placeholder fields keep the discriminant for
// FunctionCall aligned with the chain's definition.
type Action struct {
	Enum            borsh.Enum `borsh_enum:"true"`
	CreateAccount   struct{}
	DeployContract  struct{}
	FunctionCall    FunctionCallAction
	Transfer        struct{}
	Stake           struct{}
	AddKey          struct{}
	DeleteKey       struct{}
	DeleteAccount   struct{}
}

// Transaction is nearcore's unsigned Transaction.
type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// SignedTransaction is nearcore's SignedTransaction: the transaction plus
// its Ed25519 signature over the transaction's Borsh-serialized bytes.
type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature
}

// U128 is a little-endian 128-bit unsigned integer, matching Borsh's u128
// encoding. Built by hand since the Go standard library has no native
// 128-bit integer type and near/borsh-go has no special case for one.
type U128 [16]byte

// ParseU128 converts a non-negative base-10 string (as used for NEAR token
// amounts and gas deposits) into its little-endian Borsh representation.
func ParseU128(decimal string) (U128, error) {
	n, ok := new(big.Int).SetString(decimal, 10)
	if !ok || n.Sign() < 0 {
		return U128{}, fmt.Errorf("neartx: invalid u128 decimal %q", decimal)
	}
	be := n.Bytes()
	if len(be) > 16 {
		return U128{}, fmt.Errorf("neartx: value %q overflows u128", decimal)
	}
	var out U128
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out, nil
}

// FunctionCall describes the single ft_transfer-shaped call this gateway
// ever builds.
type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    string // decimal yocto/base-unit string
}

// BuildParams is everything needed to construct and sign one transaction.
type BuildParams struct {
	SignerID   string
	SignerKey  nearkey.KeyPair
	ReceiverID string // the contract being called, not the token recipient
	Nonce      uint64
	BlockHash  [32]byte
	Call       FunctionCall
}

// Build constructs, serializes, and signs a transaction, returning the
// wire-ready SignedTransaction and its Borsh encoding.
func Build(p BuildParams) (*SignedTransaction, []byte, error) {
	deposit, err := ParseU128(p.Call.Deposit)
	if err != nil {
		return nil, nil, err
	}
	var pub [32]byte
	copy(pub[:], p.SignerKey.Public)

	txn := Transaction{
		SignerID: p.SignerID,
		PublicKey: PublicKey{
			Enum:    borsh.Enum(curveED25519),
			ED25519: pub,
		},
		Nonce:      p.Nonce,
		ReceiverID: p.ReceiverID,
		BlockHash:  p.BlockHash,
		Actions: []Action{{
			Enum: borsh.Enum(actionFunctionCall),
			FunctionCall: FunctionCallAction{
				MethodName: p.Call.MethodName,
				Args:       p.Call.Args,
				Gas:        p.Call.Gas,
				Deposit:    deposit,
			},
		}},
	}

	txnBytes, err := borsh.Serialize(txn)
	if err != nil {
		return nil, nil, fmt.Errorf("neartx: serialize transaction: %w", err)
	}
	hash := sha256.Sum256(txnBytes)
	sig := ed25519.Sign(p.SignerKey.Private, hash[:])
	var sigBytes [64]byte
	copy(sigBytes[:], sig)

	signed := &SignedTransaction{
		Transaction: txn,
		Signature: Signature{
			Enum:    borsh.Enum(curveED25519),
			ED25519: sigBytes,
		},
	}
	signedBytes, err := borsh.Serialize(*signed)
	if err != nil {
		return nil, nil, fmt.Errorf("neartx: serialize signed transaction: %w", err)
	}
	return signed, signedBytes, nil
}

// Hash returns the sha256 hash of a transaction's Borsh encoding: the
// value that is actually Ed25519-signed, and the canonical transaction
// hash the chain itself reports.
func Hash(txn Transaction) ([32]byte, error) {
	b, err := borsh.Serialize(txn)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}
