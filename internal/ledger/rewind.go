package ledger

import (
	"context"
	"fmt"

	"github.com/Abdullah1738/juno-vault/internal/accumulator"
	"github.com/Abdullah1738/juno-vault/internal/events"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

// RewindTo rolls the wallet state back to height, discarding every block
// above it. Transactions mined above the target become unmined again and
// keep their expiry. Spends by the wallet's own transactions revert to
// in-flight locks while observed spends revert to spendable, and notes
// received above the target are deleted, except wallet-created change
// notes which fall back to their unmined positionless form. The target
// height must still hold a retained checkpoint.
func (l *Ledger) RewindTo(ctx context.Context, height int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.st.WithTx(ctx, func(tx store.Tx) error {
		tip, haveTip, err := tx.Tip(ctx)
		if err != nil {
			return err
		}
		if !haveTip || height >= tip.Height {
			return nil
		}

		cp, ok, err := tx.GetCheckpoint(ctx, height)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger: no retained checkpoint at height %d: %w", height, ErrRewindPastPrunedState)
		}

		if _, err := tx.DemoteTransactionsAbove(ctx, height); err != nil {
			return err
		}

		deleted, err := tx.DeleteNotesFromPosition(ctx, cp.LeafCount)
		if err != nil {
			return err
		}
		for _, n := range deleted {
			if n.Change {
				tr, ok, err := tx.GetTransaction(ctx, n.TxID)
				if err != nil {
					return err
				}
				if ok && len(tr.Raw) > 0 {
					// Change of a wallet-created transaction goes back to
					// its unmined positionless form instead of being lost.
					if err := reinsertChangeNote(ctx, tx, n); err != nil {
						return err
					}
					continue
				}
			}
			if err := emit(ctx, tx, events.KindNoteOrphaned, n.AccountID, height, orphanedPayload(n, height)); err != nil {
				return err
			}
		}

		reverted, err := tx.RevertSpendsAbove(ctx, height)
		if err != nil {
			return err
		}
		for _, n := range reverted {
			if err := emit(ctx, tx, events.KindNoteUnspent, n.AccountID, height, unspentPayload(n, height)); err != nil {
				return err
			}
		}

		if err := tx.DeleteCommitmentsFrom(ctx, cp.LeafCount); err != nil {
			return err
		}
		if err := tx.DeleteBlocksAbove(ctx, height); err != nil {
			return err
		}
		if err := tx.DeleteCheckpointsAbove(ctx, height); err != nil {
			return err
		}
		if err := tx.DeleteWitnessesAbove(ctx, height); err != nil {
			return err
		}

		// Spends reverted above the target were live within retention, so
		// their witness rows at the target height normally survived the
		// delete. Rebuild any that did not.
		live, err := tx.ListLiveNotes(ctx, height)
		if err != nil {
			return err
		}
		for _, n := range live {
			if _, ok, err := tx.WitnessAt(ctx, *n.Position, height); err != nil {
				return err
			} else if ok {
				continue
			}
			w, err := rebuildWitness(ctx, tx, *n.Position, cp.LeafCount)
			if err != nil {
				return err
			}
			blob, err := w.MarshalBinary()
			if err != nil {
				return fmt.Errorf("ledger: encode witness %d: %w", *n.Position, err)
			}
			if err := tx.PutWitness(ctx, *n.Position, height, blob); err != nil {
				return err
			}
		}
		return nil
	})
}

// reinsertChangeNote restores a deleted change note as the positionless
// unmined note it was before its transaction mined. A former spend by
// another wallet-created transaction carries over as a lock.
func reinsertChangeNote(ctx context.Context, tx store.Tx, n store.ReceivedNote) error {
	n.Height = nil
	n.Position = nil
	if n.SpentTxID != nil {
		spender, ok, err := tx.GetTransaction(ctx, *n.SpentTxID)
		if err != nil {
			return err
		}
		if ok && len(spender.Raw) > 0 {
			n.LockTxID = n.SpentTxID
		} else {
			n.LockTxID = nil
		}
	}
	n.SpentHeight = nil
	n.SpentTxID = nil
	return tx.InsertNote(ctx, n)
}

// rebuildWitness reconstructs the witness for the leaf at position against
// the tree of tipLeafCount leaves. It restarts from the newest retained
// checkpoint whose frontier precedes the leaf and replays stored
// commitments forward.
func rebuildWitness(ctx context.Context, tx store.Tx, position, tipLeafCount int64) (*accumulator.Witness, error) {
	cps, err := tx.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	frontier := accumulator.NewFrontier()
	var from int64
	for _, cp := range cps {
		if cp.LeafCount <= position && cp.LeafCount > from {
			f, err := accumulator.ParseFrontier(cp.Frontier)
			if err != nil {
				return nil, fmt.Errorf("ledger: checkpoint %d: %w", cp.Height, err)
			}
			frontier = f
			from = cp.LeafCount
		}
	}

	cms, err := tx.ListCommitments(ctx, from, position+1)
	if err != nil {
		return nil, err
	}
	if int64(len(cms)) != position+1-from {
		return nil, fmt.Errorf("ledger: commitment range [%d,%d) incomplete: %d rows", from, position+1, len(cms))
	}
	for _, c := range cms {
		leaf, err := accumulator.NodeFromHex(c.Commitment)
		if err != nil {
			return nil, fmt.Errorf("ledger: commitment at %d: %w", c.Position, err)
		}
		if err := frontier.Append(leaf); err != nil {
			return nil, fmt.Errorf("ledger: replay commitment at %d: %w", c.Position, err)
		}
	}

	w, err := accumulator.NewWitness(frontier)
	if err != nil {
		return nil, fmt.Errorf("ledger: open witness at %d: %w", position, err)
	}
	rest, err := tx.ListCommitments(ctx, position+1, tipLeafCount)
	if err != nil {
		return nil, err
	}
	for _, c := range rest {
		leaf, err := accumulator.NodeFromHex(c.Commitment)
		if err != nil {
			return nil, fmt.Errorf("ledger: commitment at %d: %w", c.Position, err)
		}
		if err := w.Append(leaf); err != nil {
			return nil, fmt.Errorf("ledger: replay commitment at %d: %w", c.Position, err)
		}
	}
	return w, nil
}
