package ledger

import (
	"crypto/ed25519"
	"fmt"

	"morpheus/internal/security"
	"morpheus/pkg/utils"
)

// VerifyChain re-computes each block hash and link, and checks signatures
// against the key embedded in each block. It proves the file is internally
// consistent, not who wrote it; use VerifySigner for that.
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, b := range l.blocks {
		h, err := b.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", b.Index, err)
		}
		if h != b.Hash {
			return fmt.Errorf("hash mismatch at index %d", b.Index)
		}

		if i > 0 && b.PrevHash != l.blocks[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", b.Index)
		}
		if b.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, b.Index)
		}

		if b.Signature != "" {
			pub, err := security.ParsePublicKey(b.PubKey)
			if err != nil {
				return fmt.Errorf("public key at index %d: %w", b.Index, err)
			}
			if err := checkSignature(b, pub); err != nil {
				return err
			}
		}
	}
	return nil
}

// VerifySigner checks that every block is signed by pub. Keys embedded in
// the blocks are ignored, and an unsigned block fails.
func (l *Ledger) VerifySigner(pub ed25519.PublicKey) error {
	if err := l.VerifyChain(); err != nil {
		return err
	}
	for _, b := range l.Blocks() {
		if b.Signature == "" {
			return fmt.Errorf("block %d is not signed", b.Index)
		}
		if err := checkSignature(b, pub); err != nil {
			return err
		}
	}
	return nil
}

func checkSignature(b *Block, pub ed25519.PublicKey) error {
	ok, err := security.VerifyHash(pub, b.Hash, b.Signature)
	if err != nil {
		return fmt.Errorf("signature at index %d: %w", b.Index, err)
	}
	if !ok {
		return fmt.Errorf("invalid signature at index %d", b.Index)
	}
	return nil
}

// VerifyOutputs re-hashes every recorded output file and reports the first
// one that is missing or differs from the ledger.
func (l *Ledger) VerifyOutputs() error {
	for _, b := range l.Blocks() {
		h, err := utils.HashFile(b.Output)
		if err != nil {
			return fmt.Errorf("output of block %d: %w", b.Index, err)
		}
		if h != b.OutputHash {
			return fmt.Errorf("output %s changed since block %d", b.Output, b.Index)
		}
	}
	return nil
}
