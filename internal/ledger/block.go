package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"morpheus/pkg/utils"
)

// Block is a tamper-evident record of one generated output
type Block struct {
	Index      int    `json:"index"`
	Timestamp  string `json:"timestamp"`
	RunID      string `json:"runId"`
	Source     string `json:"source"`
	Rank       int    `json:"rank"`
	Output     string `json:"output"`
	OutputHash string `json:"outputHash"`
	PrevHash   string `json:"prevHash"`
	Hash       string `json:"hash"`
	Signature  string `json:"signature,omitempty"`
	PubKey     string `json:"pubKey,omitempty"`
}

// canonicalData returns the JSON bytes used to compute the block hash.
// It intentionally excludes Hash, Signature and PubKey.
func (b *Block) canonicalData() ([]byte, error) {
	view := struct {
		Index      int    `json:"index"`
		Timestamp  string `json:"timestamp"`
		RunID      string `json:"runId"`
		Source     string `json:"source"`
		Rank       int    `json:"rank"`
		Output     string `json:"output"`
		OutputHash string `json:"outputHash"`
		PrevHash   string `json:"prevHash"`
	}{
		Index:      b.Index,
		Timestamp:  b.Timestamp,
		RunID:      b.RunID,
		Source:     b.Source,
		Rank:       b.Rank,
		Output:     b.Output,
		OutputHash: b.OutputHash,
		PrevHash:   b.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	return utils.HashBytes(data), nil
}

// NewBlock constructs a block and computes its hash (no signature yet)
func NewBlock(index int, runID, source string, rank int, output, outputHash, prevHash string) (*Block, error) {
	blk := &Block{
		Index:      index,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RunID:      runID,
		Source:     source,
		Rank:       rank,
		Output:     output,
		OutputHash: outputHash,
		PrevHash:   prevHash,
	}

	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	return blk, nil
}
