// Package signer holds the custodial authority keypair and applies its
// signature to transactions.
package signer

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNotASigner     = errors.New("authority is not a required signer of the transaction")
	ErrOtherSigners   = errors.New("transaction requires signers other than the authority")
	ErrMissingKeypair = errors.New("keypair path is required")
)

type Signer struct {
	key solana.PrivateKey
}

func New(key solana.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Load reads a keypair in the solana-keygen JSON format.
func Load(path string) (*Signer, error) {
	if path == "" {
		return nil, ErrMissingKeypair
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair: %w", err)
	}
	return New(key), nil
}

func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// CoSign fills the authority's signature slot, leaving every other signature
// as it is. The transaction stays incomplete until the remaining signers sign.
func (s *Signer) CoSign(tx *solana.Transaction) error {
	signers := requiredSigners(tx)
	idx := -1
	for i, k := range signers {
		if k.Equals(s.PublicKey()) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotASigner
	}

	payload, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	sig, err := s.key.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}

	if len(tx.Signatures) < len(signers) {
		padded := make([]solana.Signature, len(signers))
		copy(padded, tx.Signatures)
		tx.Signatures = padded
	}
	tx.Signatures[idx] = sig
	return nil
}

// Sign fully signs a transaction whose only required signer is the authority.
func (s *Signer) Sign(tx *solana.Transaction) error {
	for _, k := range requiredSigners(tx) {
		if !k.Equals(s.PublicKey()) {
			return ErrOtherSigners
		}
	}
	return s.CoSign(tx)
}

func requiredSigners(tx *solana.Transaction) []solana.PublicKey {
	n := min(int(tx.Message.Header.NumRequiredSignatures), len(tx.Message.AccountKeys))
	return tx.Message.AccountKeys[:n]
}
