// Package ledger keeps an append-only, hash-chained record of the outputs a
// run generated, so a directory of rank variants can later be checked
// against what was actually produced.
package ledger

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"morpheus/internal/security"
)

// Ledger is the in-memory view of a ledger file. Blocks are only ever
// appended, to memory and file together.
type Ledger struct {
	mu     sync.Mutex
	blocks []*Block
	path   string
}

// OpenLedger loads the ledger at path, one JSON block per line, creating the
// file and its directory when missing. A line that does not decode is
// reported by its block number; nothing after it is trusted.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	l := &Ledger{path: path}
	dec := json.NewDecoder(f)
	for {
		var blk Block
		err := dec.Decode(&blk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ledger %s: block %d: %w", path, len(l.blocks), err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	return l, nil
}

// Append links b to the chain, signs it when priv is non-nil, persists it
// and keeps it in memory.
func (l *Ledger) Append(b *Block, priv ed25519.PrivateKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.blocks) > 0 {
		last := l.blocks[len(l.blocks)-1]
		if b.PrevHash != last.Hash {
			return fmt.Errorf("prevHash mismatch: expected %s, got %s", last.Hash, b.PrevHash)
		}
	}
	if b.Index != len(l.blocks) {
		return fmt.Errorf("index mismatch: expected %d, got %d", len(l.blocks), b.Index)
	}

	// recompute so the stored hash always matches the canonical fields
	h, err := b.ComputeHash()
	if err != nil {
		return fmt.Errorf("cannot recompute block hash: %w", err)
	}
	b.Hash = h

	if len(priv) > 0 {
		b.Signature = security.SignHash(priv, b.Hash)
		b.PubKey = security.PublicKeyHex(priv)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(b); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	l.blocks = append(l.blocks, b)
	return nil
}

// Record builds the next block for an output and appends it.
func (l *Ledger) Record(runID, source string, rank int, output, outputHash string, priv ed25519.PrivateKey) (*Block, error) {
	blk, err := NewBlock(l.NextIndex(), runID, source, rank, output, outputHash, l.LastHash())
	if err != nil {
		return nil, err
	}
	if err := l.Append(blk, priv); err != nil {
		return nil, err
	}
	return blk, nil
}

// Blocks returns the blocks in chain order.
func (l *Ledger) Blocks() []*Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Block(nil), l.blocks...)
}

// NextIndex returns the next block index
func (l *Ledger) NextIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// LastHash returns the last block hash (or empty if none)
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[len(l.blocks)-1].Hash
}
