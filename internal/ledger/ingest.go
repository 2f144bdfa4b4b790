package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/Abdullah1738/juno-vault/internal/accumulator"
	"github.com/Abdullah1738/juno-vault/internal/events"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

// ApplyBlock ingests one scanned block as a single atomic transaction:
// every commitment is appended to the accumulator, open witnesses are
// extended, wallet notes are recorded and spends marked, the frontier is
// checkpointed at the new height, and retention pruning runs. A failure at
// any step leaves the store untouched.
func (l *Ledger) ApplyBlock(ctx context.Context, blk ScannedBlock) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.st.WithTx(ctx, func(tx store.Tx) error {
		tip, haveTip, err := tx.Tip(ctx)
		if err != nil {
			return err
		}
		if haveTip {
			if blk.Height != tip.Height+1 {
				return fmt.Errorf("ledger: block %d after tip %d: %w", blk.Height, tip.Height, ErrChainDiscontinuity)
			}
			if blk.PrevHash != "" && tip.Hash != "" && blk.PrevHash != tip.Hash {
				return fmt.Errorf("ledger: block %d previous hash %s does not match tip %s: %w",
					blk.Height, blk.PrevHash, tip.Hash, ErrChainDiscontinuity)
			}
		}

		frontier, witnesses, err := loadTipState(ctx, tx, tip, haveTip)
		if err != nil {
			return err
		}

		for txIndex, t := range blk.Transactions {
			relevant, err := l.applyTransaction(ctx, tx, blk.Height, t, frontier, witnesses)
			if err != nil {
				return err
			}
			if relevant {
				height := blk.Height
				idx := int32(txIndex)
				if err := tx.UpsertTransaction(ctx, store.Transaction{
					TxID:         t.TxID,
					MinedHeight:  &height,
					TxIndex:      &idx,
					ExpiryHeight: t.ExpiryHeight,
				}); err != nil {
					return err
				}
			}
		}

		if err := tx.InsertBlock(ctx, store.Block{
			Height:   blk.Height,
			Hash:     blk.Hash,
			PrevHash: blk.PrevHash,
			Time:     blk.Time,
		}); err != nil {
			return err
		}

		released, err := tx.ReleaseExpiredLocks(ctx, blk.Height)
		if err != nil {
			return err
		}
		for _, n := range released {
			var expiry *int64
			if n.LockTxID != nil {
				holder, ok, err := tx.GetTransaction(ctx, *n.LockTxID)
				if err != nil {
					return err
				}
				if ok {
					expiry = holder.ExpiryHeight
				}
			}
			if err := emit(ctx, tx, events.KindSpendExpired, n.AccountID, blk.Height,
				expiredPayload(n, expiry, blk.Height)); err != nil {
				return err
			}
		}

		blob, err := frontier.MarshalBinary()
		if err != nil {
			return fmt.Errorf("ledger: encode frontier: %w", err)
		}
		if err := tx.PutCheckpoint(ctx, store.Checkpoint{
			Height:    blk.Height,
			LeafCount: int64(frontier.Size()),
			Frontier:  blob,
			Root:      frontier.Root().Hex(),
		}); err != nil {
			return err
		}

		if err := writeLiveWitnesses(ctx, tx, witnesses, blk.Height, blk.Height-l.retention); err != nil {
			return err
		}

		return l.prune(ctx, tx, blk.Height)
	})
}

// applyTransaction appends the transaction's commitments, records its
// wallet notes and spends, and reports whether the transaction touched the
// wallet at all.
func (l *Ledger) applyTransaction(ctx context.Context, tx store.Tx, height int64, t ScannedTransaction,
	frontier *accumulator.Frontier, witnesses map[int64]*accumulator.Witness) (bool, error) {

	_, relevant, err := tx.GetTransaction(ctx, t.TxID)
	if err != nil {
		return false, err
	}

	for outIdx, o := range t.Outputs {
		leaf, err := accumulator.NodeFromHex(o.Commitment)
		if err != nil {
			return false, fmt.Errorf("ledger: block %d tx %s output %d: %w", height, t.TxID, outIdx, err)
		}

		position := int64(frontier.Size())
		if err := frontier.Append(leaf); err != nil {
			return false, fmt.Errorf("ledger: append commitment at %d: %w", position, err)
		}
		for _, w := range witnesses {
			if err := w.Append(leaf); err != nil {
				return false, fmt.Errorf("ledger: extend witness: %w", err)
			}
		}
		if err := tx.InsertCommitment(ctx, store.Commitment{
			Position:    position,
			Height:      height,
			TxID:        t.TxID,
			OutputIndex: int32(outIdx),
			Commitment:  o.Commitment,
		}); err != nil {
			return false, err
		}

		if o.AccountID == "" {
			continue
		}
		relevant = true

		note, err := l.recordReceivedNote(ctx, tx, t.TxID, int32(outIdx), o, height, position)
		if err != nil {
			return false, err
		}

		w, err := accumulator.NewWitness(frontier)
		if err != nil {
			return false, fmt.Errorf("ledger: open witness at %d: %w", position, err)
		}
		witnesses[position] = w

		if note != nil {
			if err := emit(ctx, tx, events.KindNoteReceived, note.AccountID, height, receivedPayload(*note)); err != nil {
				return false, err
			}
		}
	}

	var spender string
	for _, in := range t.Inputs {
		if in.Nullifier == "" {
			continue
		}
		note, ours, err := tx.GetNoteByNullifier(ctx, in.Nullifier)
		if err != nil {
			return false, err
		}
		if !ours {
			continue
		}
		if note.SpentTxID != nil {
			if *note.SpentTxID == t.TxID {
				continue
			}
			return false, fmt.Errorf("ledger: nullifier %s already spent by %s at height %d: %w",
				in.Nullifier, *note.SpentTxID, derefInt64(note.SpentHeight), ErrDoubleSpend)
		}
		relevant = true

		spent, err := tx.MarkNoteSpent(ctx, in.Nullifier, height, t.TxID)
		if err != nil {
			return false, err
		}
		if spender == "" {
			spender = spent.AccountID
		}
		if err := emit(ctx, tx, events.KindNoteSpent, spent.AccountID, height,
			spentPayload(spent, t.TxID, height)); err != nil {
			return false, err
		}
	}

	// A payment the wallet created: keep sent-note rows for the outputs
	// it handed away, attributed to the spending account.
	if spender != "" {
		for outIdx, o := range t.Outputs {
			if o.AccountID != "" || o.Recipient == "" {
				continue
			}
			if err := tx.InsertSentNote(ctx, store.SentNote{
				TxID:        t.TxID,
				OutputIndex: int32(outIdx),
				AccountID:   spender,
				Recipient:   o.Recipient,
				ValueZat:    o.ValueZat,
				MemoHex:     memoPtr(o.MemoHex),
			}); err != nil {
				return false, err
			}
		}
	}

	return relevant, nil
}

// recordReceivedNote stores the wallet note for a decrypted output. A note
// inserted before its transaction mined (a change output) is bound to its
// position instead. Returns nil when the note was already tracked at this
// position.
func (l *Ledger) recordReceivedNote(ctx context.Context, tx store.Tx, txid string, outputIndex int32,
	o ScannedOutput, height, position int64) (*store.ReceivedNote, error) {

	if o.Nullifier == "" {
		return nil, fmt.Errorf("ledger: output %s/%d decrypted for %s without a nullifier", txid, outputIndex, o.AccountID)
	}
	existing, known, err := tx.GetNoteByNullifier(ctx, o.Nullifier)
	if err != nil {
		return nil, err
	}
	if known && (existing.TxID != txid || existing.OutputIndex != outputIndex) {
		return nil, fmt.Errorf("ledger: nullifier %s of %s/%d already belongs to note %s/%d: %w",
			o.Nullifier, txid, outputIndex, existing.TxID, existing.OutputIndex, ErrKeyReuse)
	}

	if known {
		if existing.Position != nil {
			return nil, nil
		}
		if err := tx.BindNotePosition(ctx, txid, outputIndex, height, position); err != nil {
			return nil, err
		}
		existing.Height = &height
		existing.Position = &position
		return &existing, nil
	}

	note := store.ReceivedNote{
		TxID:             txid,
		OutputIndex:      outputIndex,
		AccountID:        o.AccountID,
		Height:           &height,
		Position:         &position,
		ValueZat:         o.ValueZat,
		MemoHex:          memoPtr(o.MemoHex),
		Commitment:       o.Commitment,
		Nullifier:        o.Nullifier,
		DiversifierIndex: o.DiversifierIndex,
		Change:           o.Change,
	}
	if err := tx.InsertNote(ctx, note); err != nil {
		return nil, err
	}
	return &note, nil
}

// loadTipState reads back the frontier and the live witness set persisted
// at the current tip.
func loadTipState(ctx context.Context, tx store.Tx, tip store.BlockTip, haveTip bool) (*accumulator.Frontier, map[int64]*accumulator.Witness, error) {
	if !haveTip {
		return accumulator.NewFrontier(), make(map[int64]*accumulator.Witness), nil
	}

	cp, ok, err := tx.GetCheckpoint(ctx, tip.Height)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("ledger: no checkpoint at tip %d", tip.Height)
	}
	frontier, err := accumulator.ParseFrontier(cp.Frontier)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: checkpoint %d: %w", tip.Height, err)
	}

	rows, err := tx.ListWitnessesAt(ctx, tip.Height)
	if err != nil {
		return nil, nil, err
	}
	witnesses := make(map[int64]*accumulator.Witness, len(rows))
	for _, row := range rows {
		w, err := accumulator.ParseWitness(row.Witness)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger: witness %d@%d: %w", row.Position, row.Height, err)
		}
		witnesses[row.Position] = w
	}
	return frontier, witnesses, nil
}

// writeLiveWitnesses persists one witness row per live note at the new
// height. A note whose spend is older than the cutoff is final; its witness
// goes cold and is dropped from the live set.
func writeLiveWitnesses(ctx context.Context, tx store.Tx, witnesses map[int64]*accumulator.Witness, height, cutoff int64) error {
	positions := make([]int64, 0, len(witnesses))
	for pos := range witnesses {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	for _, pos := range positions {
		note, ok, err := tx.GetNoteByPosition(ctx, pos)
		if err != nil {
			return err
		}
		if !ok || (note.SpentHeight != nil && *note.SpentHeight < cutoff) {
			delete(witnesses, pos)
			continue
		}
		blob, err := witnesses[pos].MarshalBinary()
		if err != nil {
			return fmt.Errorf("ledger: encode witness %d: %w", pos, err)
		}
		if err := tx.PutWitness(ctx, pos, height, blob); err != nil {
			return err
		}
	}
	return nil
}

// prune drops checkpoints and witness rows older than the retention
// cutoff. The cutoff never passes the retention floor: the oldest height
// some live note's witness chain has reached. Deleting past that would
// strand the note without a reconstructable witness.
func (l *Ledger) prune(ctx context.Context, tx store.Tx, tipHeight int64) error {
	cutoff := tipHeight - l.retention

	live, err := tx.ListLiveNotes(ctx, tipHeight)
	if err != nil {
		return err
	}
	floor := tipHeight
	for _, n := range live {
		h, ok, err := tx.NewestWitnessHeight(ctx, *n.Position)
		if err != nil {
			return err
		}
		if !ok {
			h = derefInt64(n.Height)
		}
		if h < floor {
			floor = h
		}
	}
	if floor < cutoff {
		cutoff = floor
	}

	if err := tx.DeleteCheckpointsBelow(ctx, cutoff); err != nil {
		return err
	}
	return tx.DeleteWitnessesBelow(ctx, cutoff)
}
