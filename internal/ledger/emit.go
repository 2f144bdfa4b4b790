package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Abdullah1738/juno-sdk-go/types"

	"github.com/Abdullah1738/juno-vault/internal/events"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

// emit appends one event row in the surrounding transaction so the log
// commits or rolls back with the state change it describes.
func emit(ctx context.Context, tx store.Tx, kind, accountID string, height int64, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal %s payload: %w", kind, err)
	}
	return tx.InsertEvent(ctx, store.Event{
		Kind:      kind,
		AccountID: accountID,
		Height:    height,
		Payload:   b,
	})
}

func receivedPayload(n store.ReceivedNote) events.NoteReceivedPayload {
	return events.NoteReceivedPayload{
		DepositEvent: types.DepositEvent{
			Version:          types.V1,
			WalletID:         n.AccountID,
			DiversifierIndex: n.DiversifierIndex,
			TxID:             n.TxID,
			Height:           derefInt64(n.Height),
			ActionIndex:      uint32(n.OutputIndex),
			AmountZatoshis:   uint64(n.ValueZat),
			MemoHex:          derefString(n.MemoHex),
			Status: types.TxStatus{
				State:         types.TxStateConfirmed,
				Height:        derefInt64(n.Height),
				Confirmations: 1,
			},
		},
		Position:      derefInt64(n.Position),
		Commitment:    n.Commitment,
		NoteNullifier: n.Nullifier,
		Change:        n.Change,
	}
}

func orphanedPayload(n store.ReceivedNote, rewindHeight int64) events.NoteOrphanedPayload {
	p := events.NoteOrphanedPayload{
		NoteReceivedPayload: receivedPayload(n),
		OrphanedAtHeight:    rewindHeight,
	}
	p.Status = types.TxStatus{
		State:  types.TxStateOrphaned,
		Height: rewindHeight,
	}
	return p
}

func spentPayload(n store.ReceivedNote, spendTxID string, height int64) events.NoteSpentPayload {
	return events.NoteSpentPayload{
		Version:   types.V1,
		AccountID: n.AccountID,
		TxID:      spendTxID,
		Height:    height,

		NoteTxID:        n.TxID,
		NoteOutputIndex: uint32(n.OutputIndex),
		NoteHeight:      derefInt64(n.Height),
		AmountZatoshis:  uint64(n.ValueZat),
		NoteNullifier:   n.Nullifier,

		Status: types.TxStatus{
			State:         types.TxStateConfirmed,
			Height:        height,
			Confirmations: 1,
		},
	}
}

// unspentPayload describes a spend reversed by rollback. The note comes in
// with its pre-revert spend state still attached.
func unspentPayload(n store.ReceivedNote, rewindHeight int64) events.NoteUnspentPayload {
	p := events.NoteUnspentPayload{
		NoteSpentPayload: spentPayload(n, derefString(n.SpentTxID), derefInt64(n.SpentHeight)),
		RollbackHeight:   rewindHeight,
	}
	p.Status = types.TxStatus{
		State:  types.TxStateOrphaned,
		Height: rewindHeight,
	}
	return p
}

func lockedPayload(n store.ReceivedNote, lockTxID string, expiry *int64) events.SpendLockedPayload {
	return events.SpendLockedPayload{
		Version:   types.V1,
		AccountID: n.AccountID,
		LockTxID:  lockTxID,

		NoteTxID:        n.TxID,
		NoteOutputIndex: uint32(n.OutputIndex),
		AmountZatoshis:  uint64(n.ValueZat),

		ExpiryHeight: expiry,
	}
}

// expiredPayload describes a lock released by transaction expiry. The note
// comes in with the released lock still attached.
func expiredPayload(n store.ReceivedNote, expiry *int64, height int64) events.SpendExpiredPayload {
	return events.SpendExpiredPayload{
		SpendLockedPayload: lockedPayload(n, derefString(n.LockTxID), expiry),
		ExpiredAtHeight:    height,
	}
}
