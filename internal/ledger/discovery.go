package ledger

import (
	"context"
	"fmt"

	"github.com/Abdullah1738/juno-vault/internal/events"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

// DecryptedOutput is one output of an already-ingested transaction that a
// rescan managed to decrypt after the fact.
type DecryptedOutput struct {
	OutputIndex      int32
	AccountID        string
	ValueZat         int64
	MemoHex          string
	Nullifier        string
	DiversifierIndex uint32
	Change           bool
}

// StoreDecryptedTransaction records notes decrypted out of band for a
// transaction whose block was already ingested. Each note is placed at the
// position its commitment was appended at, and its witness is rebuilt by
// replaying stored commitments up to the current tip.
func (l *Ledger) StoreDecryptedTransaction(ctx context.Context, txid string, outputs []DecryptedOutput) error {
	if txid == "" {
		return fmt.Errorf("ledger: store decrypted transaction: empty txid")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.st.WithTx(ctx, func(tx store.Tx) error {
		tip, haveTip, err := tx.Tip(ctx)
		if err != nil {
			return err
		}
		if !haveTip {
			return fmt.Errorf("ledger: no blocks ingested")
		}
		tipCp, ok, err := tx.GetCheckpoint(ctx, tip.Height)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger: no checkpoint at tip %d", tip.Height)
		}

		recorded := false
		var minedHeight int64
		for _, o := range outputs {
			if o.AccountID == "" {
				continue
			}
			if o.Nullifier == "" {
				return fmt.Errorf("ledger: output %s/%d decrypted for %s without a nullifier", txid, o.OutputIndex, o.AccountID)
			}

			c, ok, err := tx.GetCommitmentByOutput(ctx, txid, o.OutputIndex)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("ledger: no commitment recorded for %s/%d: %w", txid, o.OutputIndex, store.ErrNotFound)
			}

			existing, known, err := tx.GetNoteByNullifier(ctx, o.Nullifier)
			if err != nil {
				return err
			}
			if known && (existing.TxID != txid || existing.OutputIndex != o.OutputIndex) {
				return fmt.Errorf("ledger: nullifier %s of %s/%d already belongs to note %s/%d: %w",
					o.Nullifier, txid, o.OutputIndex, existing.TxID, existing.OutputIndex, ErrKeyReuse)
			}
			if _, known, err := tx.GetNote(ctx, txid, o.OutputIndex); err != nil {
				return err
			} else if known {
				continue
			}

			note := store.ReceivedNote{
				TxID:             txid,
				OutputIndex:      o.OutputIndex,
				AccountID:        o.AccountID,
				Height:           &c.Height,
				Position:         &c.Position,
				ValueZat:         o.ValueZat,
				MemoHex:          memoPtr(o.MemoHex),
				Commitment:       c.Commitment,
				Nullifier:        o.Nullifier,
				DiversifierIndex: o.DiversifierIndex,
				Change:           o.Change,
			}
			if err := tx.InsertNote(ctx, note); err != nil {
				return err
			}

			w, err := rebuildWitness(ctx, tx, c.Position, tipCp.LeafCount)
			if err != nil {
				return err
			}
			if got := w.Root().Hex(); got != tipCp.Root {
				return fmt.Errorf("ledger: rebuilt witness %d roots at %s, tip checkpoint has %s", c.Position, got, tipCp.Root)
			}
			blob, err := w.MarshalBinary()
			if err != nil {
				return fmt.Errorf("ledger: encode witness %d: %w", c.Position, err)
			}
			if err := tx.PutWitness(ctx, c.Position, tip.Height, blob); err != nil {
				return err
			}

			if err := emit(ctx, tx, events.KindNoteReceived, note.AccountID, c.Height, receivedPayload(note)); err != nil {
				return err
			}
			recorded = true
			minedHeight = c.Height
		}

		if recorded {
			return tx.UpsertTransaction(ctx, store.Transaction{TxID: txid, MinedHeight: &minedHeight})
		}
		return nil
	})
}

// SentTransaction describes a transaction the wallet built and is about to
// broadcast.
type SentTransaction struct {
	TxID            string
	AccountID       string
	ExpiryHeight    *int64
	Raw             []byte
	InputNullifiers []string
	Outputs         []SentTransactionOutput
}

// SentTransactionOutput is one output of a wallet-built transaction. Change
// outputs return to the wallet and carry the decrypted note material; other
// outputs record the recipient.
type SentTransactionOutput struct {
	OutputIndex      int32
	Recipient        string
	ValueZat         int64
	MemoHex          string
	Change           bool
	Commitment       string
	Nullifier        string
	DiversifierIndex uint32
}

// StoreSentTransaction records an unmined wallet-created transaction:
// spend-locks the notes its inputs consume, stores the transaction with its
// expiry, and records sent notes plus positionless change notes. Inputs
// already spent, or locked by a different transaction that has not expired,
// fail with ErrDoubleSpend.
func (l *Ledger) StoreSentTransaction(ctx context.Context, sent SentTransaction) error {
	if sent.TxID == "" {
		return fmt.Errorf("ledger: store sent transaction: empty txid")
	}
	if _, ok, err := l.st.GetAccount(ctx, sent.AccountID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("ledger: account %s: %w", sent.AccountID, ErrUnknownAccount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.st.WithTx(ctx, func(tx store.Tx) error {
		tip, haveTip, err := tx.Tip(ctx)
		if err != nil {
			return err
		}
		var evHeight int64
		if haveTip {
			evHeight = tip.Height
		}

		if err := tx.UpsertTransaction(ctx, store.Transaction{
			TxID:         sent.TxID,
			ExpiryHeight: sent.ExpiryHeight,
			Raw:          sent.Raw,
		}); err != nil {
			return err
		}

		for _, nf := range sent.InputNullifiers {
			note, ok, err := tx.GetNoteByNullifier(ctx, nf)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("ledger: input nullifier %s: %w", nf, ErrNoteNotFound)
			}
			if note.SpentTxID != nil {
				return fmt.Errorf("ledger: input %s/%d already spent by %s: %w",
					note.TxID, note.OutputIndex, *note.SpentTxID, ErrDoubleSpend)
			}
			if note.LockTxID != nil {
				if *note.LockTxID == sent.TxID {
					continue
				}
				holder, ok, err := tx.GetTransaction(ctx, *note.LockTxID)
				if err != nil {
					return err
				}
				expired := ok && holder.MinedHeight == nil && holder.ExpiryHeight != nil &&
					haveTip && *holder.ExpiryHeight < tip.Height
				if !expired {
					return fmt.Errorf("ledger: input %s/%d locked by %s: %w",
						note.TxID, note.OutputIndex, *note.LockTxID, ErrDoubleSpend)
				}
			}
			if err := tx.SetNoteLock(ctx, note.TxID, note.OutputIndex, &sent.TxID); err != nil {
				return err
			}
			if err := emit(ctx, tx, events.KindSpendLocked, note.AccountID, evHeight,
				lockedPayload(note, sent.TxID, sent.ExpiryHeight)); err != nil {
				return err
			}
		}

		for _, o := range sent.Outputs {
			if !o.Change {
				if err := tx.InsertSentNote(ctx, store.SentNote{
					TxID:        sent.TxID,
					OutputIndex: o.OutputIndex,
					AccountID:   sent.AccountID,
					Recipient:   o.Recipient,
					ValueZat:    o.ValueZat,
					MemoHex:     memoPtr(o.MemoHex),
				}); err != nil {
					return err
				}
				continue
			}

			if o.Commitment == "" || o.Nullifier == "" {
				return fmt.Errorf("ledger: change output %s/%d missing commitment or nullifier", sent.TxID, o.OutputIndex)
			}
			if existing, known, err := tx.GetNoteByNullifier(ctx, o.Nullifier); err != nil {
				return err
			} else if known && (existing.TxID != sent.TxID || existing.OutputIndex != o.OutputIndex) {
				return fmt.Errorf("ledger: nullifier %s of %s/%d already belongs to note %s/%d: %w",
					o.Nullifier, sent.TxID, o.OutputIndex, existing.TxID, existing.OutputIndex, ErrKeyReuse)
			}
			if _, known, err := tx.GetNote(ctx, sent.TxID, o.OutputIndex); err != nil {
				return err
			} else if known {
				continue
			}
			// No height or position until the transaction mines;
			// ingestion binds them when the commitment lands in a block.
			if err := tx.InsertNote(ctx, store.ReceivedNote{
				TxID:             sent.TxID,
				OutputIndex:      o.OutputIndex,
				AccountID:        sent.AccountID,
				ValueZat:         o.ValueZat,
				MemoHex:          memoPtr(o.MemoHex),
				Commitment:       o.Commitment,
				Nullifier:        o.Nullifier,
				DiversifierIndex: o.DiversifierIndex,
				Change:           true,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
