package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Abdullah1738/juno-vault/internal/accumulator"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

// Status reports the synced tip and the accumulator state at it.
type Status struct {
	TipHeight int64  `json:"tip_height"`
	TipHash   string `json:"tip_hash,omitempty"`
	LeafCount int64  `json:"leaf_count"`
	Root      string `json:"root"`
	Retention int64  `json:"retention"`
}

func (l *Ledger) Status(ctx context.Context) (Status, error) {
	s := Status{Root: accumulator.EmptyRoot().Hex(), Retention: l.retention}

	tip, haveTip, err := l.st.Tip(ctx)
	if err != nil {
		return Status{}, err
	}
	if !haveTip {
		return s, nil
	}
	s.TipHeight = tip.Height
	s.TipHash = tip.Hash

	cp, ok, err := l.st.CheckpointAt(ctx, tip.Height)
	if err != nil {
		return Status{}, err
	}
	if ok {
		s.LeafCount = cp.LeafCount
		s.Root = cp.Root
	}
	return s, nil
}

// Balance returns the spendable balance of the account anchored at
// anchorHeight: the sum of unspent, unlocked notes whose commitments were
// already in the tree at that height. The anchor must still hold a
// retained checkpoint.
func (l *Ledger) Balance(ctx context.Context, accountID string, anchorHeight int64) (int64, error) {
	if _, ok, err := l.st.GetAccount(ctx, accountID); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("ledger: account %s: %w", accountID, ErrUnknownAccount)
	}

	cp, ok, err := l.st.CheckpointAt(ctx, anchorHeight)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("ledger: anchor height %d: %w", anchorHeight, ErrCheckpointNotRetained)
	}
	return l.st.SpendableBalance(ctx, accountID, cp.LeafCount)
}

// SpendWitness is everything a caller needs to build a spend of one note:
// the note itself and its authentication path against the anchor root.
type SpendWitness struct {
	Note         store.ReceivedNote
	Path         accumulator.Path
	AnchorRoot   string
	AnchorHeight int64
}

// SpendWitness returns the note's witness anchored at anchorHeight. The
// note must belong to the account, be unspent, and have been in the tree at
// the anchor.
func (l *Ledger) SpendWitness(ctx context.Context, accountID, txid string, outputIndex int32, anchorHeight int64) (SpendWitness, error) {
	note, ok, err := l.st.GetNote(ctx, txid, outputIndex)
	if err != nil {
		return SpendWitness{}, err
	}
	if !ok || note.AccountID != accountID {
		return SpendWitness{}, fmt.Errorf("ledger: note %s/%d for %s: %w", txid, outputIndex, accountID, ErrNoteNotFound)
	}
	if note.SpentTxID != nil || note.SpentHeight != nil {
		return SpendWitness{}, fmt.Errorf("ledger: note %s/%d spent by %s: %w",
			txid, outputIndex, derefString(note.SpentTxID), ErrNoteSpent)
	}

	cp, ok, err := l.st.CheckpointAt(ctx, anchorHeight)
	if err != nil {
		return SpendWitness{}, err
	}
	if !ok {
		return SpendWitness{}, fmt.Errorf("ledger: anchor height %d: %w", anchorHeight, ErrCheckpointNotRetained)
	}
	if note.Position == nil || *note.Position >= cp.LeafCount {
		return SpendWitness{}, fmt.Errorf("ledger: note %s/%d not in the tree at height %d: %w",
			txid, outputIndex, anchorHeight, ErrNoteNotFound)
	}

	blob, ok, err := l.st.WitnessAt(ctx, *note.Position, anchorHeight)
	if err != nil {
		return SpendWitness{}, err
	}
	if !ok {
		return SpendWitness{}, fmt.Errorf("ledger: no witness for position %d at height %d: %w",
			*note.Position, anchorHeight, ErrCheckpointNotRetained)
	}
	w, err := accumulator.ParseWitness(blob)
	if err != nil {
		return SpendWitness{}, fmt.Errorf("ledger: witness %d@%d: %w", *note.Position, anchorHeight, err)
	}
	path, err := w.Path()
	if err != nil {
		return SpendWitness{}, fmt.Errorf("ledger: witness %d@%d: %w", *note.Position, anchorHeight, err)
	}
	return SpendWitness{
		Note:         note,
		Path:         path,
		AnchorRoot:   cp.Root,
		AnchorHeight: anchorHeight,
	}, nil
}

// SelectSpendable picks unspent, unlocked notes of the account, oldest
// first, until their value covers target. Notes not yet in the tree at the
// anchor are excluded. Returns the picked notes and their total value; the
// total may fall short of target when the balance does.
func (l *Ledger) SelectSpendable(ctx context.Context, accountID string, target int64, anchorHeight int64) ([]store.ReceivedNote, int64, error) {
	if _, ok, err := l.st.GetAccount(ctx, accountID); err != nil {
		return nil, 0, err
	} else if !ok {
		return nil, 0, fmt.Errorf("ledger: account %s: %w", accountID, ErrUnknownAccount)
	}

	cp, ok, err := l.st.CheckpointAt(ctx, anchorHeight)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("ledger: anchor height %d: %w", anchorHeight, ErrCheckpointNotRetained)
	}

	notes, err := l.st.SelectSpendable(ctx, accountID, target, cp.LeafCount)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, n := range notes {
		total += n.ValueZat
	}
	return notes, total, nil
}

// NextDiversifierIndex hands out the account's next unused diversifier
// index. Each call advances the cursor, so an index is never issued twice.
func (l *Ledger) NextDiversifierIndex(ctx context.Context, accountID string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var idx uint32
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		idx, err = tx.AdvanceDiversifier(ctx, accountID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("ledger: account %s: %w", accountID, ErrUnknownAccount)
	}
	return idx, err
}
