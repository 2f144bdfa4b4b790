// Package source feeds scanned blocks to the sync driver. A Source reports
// the best height it has, serves block hashes for reorg detection, and
// yields one scanned block per height.
package source

import (
	"context"
	"sync"

	"github.com/Abdullah1738/juno-vault/internal/ledger"
)

// Source is the boundary to whatever produces scanned blocks: an upstream
// trial-decryption pipeline, a replayed capture, or a test fixture.
type Source interface {
	// Tip reports the best height the source can serve, ok false when it
	// has no blocks yet.
	Tip(ctx context.Context) (int64, bool, error)

	// HashAt returns the source's block hash at height, ok false when no
	// block is held there.
	HashAt(ctx context.Context, height int64) (string, bool, error)

	// Next returns the block at height, ok false when the source has
	// nothing there yet.
	Next(ctx context.Context, height int64) (ledger.ScannedBlock, bool, error)
}

// Static serves a chain held in memory. Tests extend it or replace a
// suffix to stage reorgs.
type Static struct {
	mu     sync.Mutex
	blocks []ledger.ScannedBlock
}

func NewStatic(blocks ...ledger.ScannedBlock) *Static {
	s := &Static{}
	s.Extend(blocks...)
	return s
}

func (s *Static) Tip(ctx context.Context) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) == 0 {
		return 0, false, nil
	}
	return s.blocks[len(s.blocks)-1].Height, true, nil
}

func (s *Static) HashAt(ctx context.Context, height int64) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.find(height)
	if !ok {
		return "", false, nil
	}
	return blk.Hash, true, nil
}

func (s *Static) Next(ctx context.Context, height int64) (ledger.ScannedBlock, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.ScannedBlock{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.find(height)
	if !ok {
		return ledger.ScannedBlock{}, false, nil
	}
	return blk, true, nil
}

// Extend appends blocks to the chain. Callers supply them in ascending
// height order.
func (s *Static) Extend(blocks ...ledger.ScannedBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, blocks...)
}

// ReplaceFrom drops every block at or above height and appends the
// replacements, staging a reorg.
func (s *Static) ReplaceFrom(height int64, blocks ...ledger.ScannedBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.blocks[:0]
	for _, b := range s.blocks {
		if b.Height < height {
			keep = append(keep, b)
		}
	}
	s.blocks = append(keep, blocks...)
}

// find assumes s.mu is held.
func (s *Static) find(height int64) (ledger.ScannedBlock, bool) {
	for _, b := range s.blocks {
		if b.Height == height {
			return b, true
		}
	}
	return ledger.ScannedBlock{}, false
}
