// Package pool models the shielded pools the vault can track. Each pool
// kind carries a capability contract for validating the opaque material
// (viewing keys, commitments, nullifiers) that flows through the store.
// Decryption, proving and address encoding stay outside the vault.
package pool

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Abdullah1738/juno-vault/internal/accumulator"
)

type Kind string

const (
	KindOrchard Kind = "orchard"
	KindSapling Kind = "sapling"
)

var (
	ErrUnknownKind       = errors.New("pool: unknown pool kind")
	ErrInvalidViewingKey = errors.New("pool: invalid viewing key")
	ErrInvalidNullifier  = errors.New("pool: invalid nullifier")
)

// Capability is the per-pool contract: pure format validation over the
// material the vault stores but never interprets.
type Capability interface {
	Kind() Kind
	ValidateViewingKey(key string) error
	ValidateCommitment(commitmentHex string) error
	ValidateNullifier(nullifierHex string) error
}

// ForKind resolves a kind to its capability.
func ForKind(k Kind) (Capability, error) {
	switch k {
	case KindOrchard:
		return orchardPool{}, nil
	case KindSapling:
		return saplingPool{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

// Kinds lists the supported pool kinds.
func Kinds() []Kind {
	return []Kind{KindOrchard, KindSapling}
}

type orchardPool struct{}

func (orchardPool) Kind() Kind { return KindOrchard }

func (orchardPool) ValidateViewingKey(key string) error {
	return validateBechKey(key, "uview1")
}

func (orchardPool) ValidateCommitment(commitmentHex string) error {
	return validateNodeHex(commitmentHex)
}

func (orchardPool) ValidateNullifier(nullifierHex string) error {
	if err := validateNodeHex(nullifierHex); err != nil {
		return ErrInvalidNullifier
	}
	return nil
}

type saplingPool struct{}

func (saplingPool) Kind() Kind { return KindSapling }

func (saplingPool) ValidateViewingKey(key string) error {
	return validateBechKey(key, "zxviews1")
}

func (saplingPool) ValidateCommitment(commitmentHex string) error {
	return validateNodeHex(commitmentHex)
}

func (saplingPool) ValidateNullifier(nullifierHex string) error {
	if err := validateNodeHex(nullifierHex); err != nil {
		return ErrInvalidNullifier
	}
	return nil
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// validateBechKey checks the shape of a bech32-encoded viewing key: the
// expected human-readable prefix and a data part over the bech32 charset.
// Full decoding belongs to the key-handling layer outside the vault.
func validateBechKey(key, prefix string) error {
	if !strings.HasPrefix(key, prefix) {
		return ErrInvalidViewingKey
	}
	data := key[len(prefix):]
	if len(data) < 32 {
		return ErrInvalidViewingKey
	}
	for _, c := range data {
		if !strings.ContainsRune(bech32Charset, c) {
			return ErrInvalidViewingKey
		}
	}
	return nil
}

func validateNodeHex(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return accumulator.ErrInvalidCommitment
	}
	if len(b) != accumulator.NodeSize {
		return accumulator.ErrInvalidCommitment
	}
	return nil
}
