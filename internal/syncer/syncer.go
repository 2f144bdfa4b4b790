// Package syncer drives the ledger from a block source: it follows the
// source's chain one block at a time, detects reorgs by hash mismatch at
// the stored tip, and rewinds to the common ancestor before re-applying
// the replacement branch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/ledger"
	"github.com/Abdullah1738/juno-vault/internal/source"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

type Syncer struct {
	st  store.Store
	ld  *ledger.Ledger
	src source.Source

	startHeight  int64
	pollInterval time.Duration
}

// New wires a syncer. startHeight is where ingestion begins on an empty
// store (the wallet birthday); once blocks exist the stored tip wins.
func New(st store.Store, ld *ledger.Ledger, src source.Source, startHeight int64, pollInterval time.Duration) (*Syncer, error) {
	if st == nil {
		return nil, errors.New("syncer: store is nil")
	}
	if ld == nil {
		return nil, errors.New("syncer: ledger is nil")
	}
	if src == nil {
		return nil, errors.New("syncer: source is nil")
	}
	if startHeight < 0 {
		startHeight = 0
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Syncer{
		st:           st,
		ld:           ld,
		src:          src,
		startHeight:  startHeight,
		pollInterval: pollInterval,
	}, nil
}

func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.syncOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// syncOnce advances until the source has nothing newer to give.
func (s *Syncer) syncOnce(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		advanced, err := s.step(ctx)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
}

// step performs one unit of work: a rewind to the common ancestor when the
// source disagrees with the stored tip, otherwise one block application.
// advanced is false when the source has nothing newer. A source whose
// chain is shorter than the stored one is treated as behind, not as a
// reorg.
func (s *Syncer) step(ctx context.Context) (bool, error) {
	tip, ok, err := s.st.Tip(ctx)
	if err != nil {
		return false, err
	}

	if ok {
		srcHash, have, err := s.src.HashAt(ctx, tip.Height)
		if err != nil {
			return false, err
		}
		if have && srcHash != tip.Hash {
			common, err := s.findCommonAncestor(ctx, tip.Height)
			if err != nil {
				return false, err
			}
			if common < 0 {
				return false, fmt.Errorf("syncer: source shares no ancestor with the stored chain below height %d", tip.Height)
			}
			log.Printf("reorg detected: rolling back to height %d", common)
			if err := s.ld.RewindTo(ctx, common); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	next := s.startHeight
	if ok {
		next = tip.Height + 1
	}

	srcTip, have, err := s.src.Tip(ctx)
	if err != nil {
		return false, err
	}
	if !have || next > srcTip {
		return false, nil
	}

	blk, have, err := s.src.Next(ctx, next)
	if err != nil {
		return false, err
	}
	if !have {
		return false, nil
	}
	if blk.Height != next {
		return false, fmt.Errorf("syncer: source returned height %d, want %d", blk.Height, next)
	}

	if err := s.ld.ApplyBlock(ctx, blk); err != nil {
		if errors.Is(err, ledger.ErrChainDiscontinuity) {
			// The source moved between reads. The next pass sees the
			// mismatch at the tip and rewinds.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Syncer) findCommonAncestor(ctx context.Context, fromHeight int64) (int64, error) {
	h := fromHeight
	for h >= 0 {
		dbHash, ok, err := s.st.HashAtHeight(ctx, h)
		if err != nil {
			return 0, err
		}
		if !ok {
			h--
			continue
		}
		srcHash, have, err := s.src.HashAt(ctx, h)
		if err != nil {
			return 0, err
		}
		if have && srcHash == dbHash {
			return h, nil
		}
		h--
	}
	return -1, nil
}
