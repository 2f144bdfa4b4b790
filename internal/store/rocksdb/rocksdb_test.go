package rocksdb

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/store"
)

func TestStore_LifecycleAndRewind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate (second run): %v", err)
	}

	if err := st.CreateAccount(ctx, store.Account{
		AccountID:  "hot",
		PoolKind:   "orchard",
		ViewingKey: "uview1test",
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := st.CreateAccount(ctx, store.Account{AccountID: "hot"}); !errors.Is(err, store.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}

	acct, ok, err := st.GetAccount(ctx, "hot")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !ok || acct.PoolKind != "orchard" || acct.ViewingKey != "uview1test" {
		t.Fatalf("unexpected account: ok=%v acct=%+v", ok, acct)
	}

	payload, _ := json.Marshal(map[string]any{"k": "v"})
	mined1, expiry := int64(1), int64(5)

	if err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertBlock(ctx, store.Block{
			Height:   1,
			Hash:     "h1",
			PrevHash: "h0",
			Time:     123,
		}); err != nil {
			return err
		}
		if err := tx.UpsertTransaction(ctx, store.Transaction{
			TxID:        "tx1",
			MinedHeight: &mined1,
		}); err != nil {
			return err
		}
		if err := tx.InsertCommitment(ctx, store.Commitment{
			Position:    0,
			Height:      1,
			TxID:        "tx1",
			OutputIndex: 0,
			Commitment:  "cm1",
		}); err != nil {
			return err
		}
		p0 := int64(0)
		if err := tx.InsertNote(ctx, store.ReceivedNote{
			TxID:        "tx1",
			OutputIndex: 0,
			AccountID:   "hot",
			Height:      &mined1,
			Position:    &p0,
			ValueZat:    10,
			Commitment:  "cm1",
			Nullifier:   "nf1",
		}); err != nil {
			return err
		}
		if err := tx.PutCheckpoint(ctx, store.Checkpoint{
			Height:    1,
			LeafCount: 1,
			Frontier:  []byte{0x01},
			Root:      "root1",
		}); err != nil {
			return err
		}
		if err := tx.PutWitness(ctx, 0, 1, []byte{0xAA}); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, store.Event{
			Kind:      "vault.note.received",
			AccountID: "hot",
			Height:    1,
			Payload:   payload,
		})
	}); err != nil {
		t.Fatalf("WithTx receive: %v", err)
	}

	tip, ok, err := st.Tip(ctx)
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	if !ok || tip.Height != 1 || tip.Hash != "h1" {
		t.Fatalf("unexpected tip: ok=%v tip=%+v", ok, tip)
	}
	hash, ok, err := st.HashAtHeight(ctx, 1)
	if err != nil || !ok || hash != "h1" {
		t.Fatalf("HashAtHeight: hash=%q ok=%v err=%v", hash, ok, err)
	}
	cp, ok, err := st.CheckpointAt(ctx, 1)
	if err != nil || !ok || cp.LeafCount != 1 || cp.Root != "root1" {
		t.Fatalf("CheckpointAt: cp=%+v ok=%v err=%v", cp, ok, err)
	}
	if blob, ok, err := st.WitnessAt(ctx, 0, 1); err != nil || !ok || len(blob) != 1 || blob[0] != 0xAA {
		t.Fatalf("WitnessAt: blob=%v ok=%v err=%v", blob, ok, err)
	}
	if bal, err := st.SpendableBalance(ctx, "hot", 1); err != nil || bal != 10 {
		t.Fatalf("SpendableBalance: bal=%d err=%v", bal, err)
	}

	// Spend the note at height 2 in a second transaction.
	mined2 := int64(2)
	if err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertBlock(ctx, store.Block{
			Height:   2,
			Hash:     "h2",
			PrevHash: "h1",
			Time:     124,
		}); err != nil {
			return err
		}
		if err := tx.UpsertTransaction(ctx, store.Transaction{
			TxID:         "tx2",
			MinedHeight:  &mined2,
			ExpiryHeight: &expiry,
			Raw:          []byte{0xCA, 0xFE},
		}); err != nil {
			return err
		}
		spent, err := tx.MarkNoteSpent(ctx, "nf1", 2, "tx2")
		if err != nil {
			return err
		}
		if spent.SpentHeight == nil || *spent.SpentHeight != 2 || spent.SpentTxID == nil || *spent.SpentTxID != "tx2" {
			t.Fatalf("unexpected spent note: %+v", spent)
		}
		return tx.PutCheckpoint(ctx, store.Checkpoint{Height: 2, LeafCount: 1, Frontier: []byte{0x01}, Root: "root1"})
	}); err != nil {
		t.Fatalf("WithTx spend: %v", err)
	}

	if unspent, err := st.ListNotes(ctx, "hot", true, 100); err != nil || len(unspent) != 0 {
		t.Fatalf("expected 0 unspent notes, got %d err=%v", len(unspent), err)
	}
	if bal, err := st.SpendableBalance(ctx, "hot", 1); err != nil || bal != 0 {
		t.Fatalf("SpendableBalance after spend: bal=%d err=%v", bal, err)
	}

	// Rewind to height 1: the spending block is disconnected, tx2 becomes
	// unmined, and since tx2 is the wallet's own (raw on file) the note
	// comes back locked by it rather than spendable.
	if err := st.WithTx(ctx, func(tx store.Tx) error {
		demoted, err := tx.DemoteTransactionsAbove(ctx, 1)
		if err != nil {
			return err
		}
		if len(demoted) != 1 || demoted[0] != "tx2" {
			t.Fatalf("expected tx2 demoted, got %v", demoted)
		}
		reverted, err := tx.RevertSpendsAbove(ctx, 1)
		if err != nil {
			return err
		}
		if len(reverted) != 1 || reverted[0].SpentTxID == nil || *reverted[0].SpentTxID != "tx2" {
			t.Fatalf("expected note formerly spent by tx2, got %+v", reverted)
		}
		if reverted[0].SpentHeight == nil || *reverted[0].SpentHeight != 2 {
			t.Fatalf("expected former spend height 2, got %+v", reverted[0].SpentHeight)
		}
		if err := tx.DeleteBlocksAbove(ctx, 1); err != nil {
			return err
		}
		if err := tx.DeleteWitnessesAbove(ctx, 1); err != nil {
			return err
		}
		return tx.DeleteCheckpointsAbove(ctx, 1)
	}); err != nil {
		t.Fatalf("WithTx rewind: %v", err)
	}

	txn, ok, err := st.GetTransaction(ctx, "tx2")
	if err != nil || !ok {
		t.Fatalf("GetTransaction(tx2): ok=%v err=%v", ok, err)
	}
	if txn.MinedHeight != nil {
		t.Fatalf("expected tx2 unmined, got height %d", *txn.MinedHeight)
	}
	if txn.ExpiryHeight == nil || *txn.ExpiryHeight != 5 {
		t.Fatalf("expected expiry 5 preserved, got %+v", txn.ExpiryHeight)
	}
	note, ok, err := st.GetNote(ctx, "tx1", 0)
	if err != nil || !ok {
		t.Fatalf("GetNote: ok=%v err=%v", ok, err)
	}
	if note.SpentHeight != nil || note.LockTxID == nil || *note.LockTxID != "tx2" {
		t.Fatalf("expected unspent locked note, got %+v", note)
	}
	if bal, err := st.SpendableBalance(ctx, "hot", 1); err != nil || bal != 0 {
		t.Fatalf("locked note must not count toward balance: bal=%d err=%v", bal, err)
	}

	// The chain advances past tx2's expiry without mining it; the lock lifts.
	if err := st.WithTx(ctx, func(tx store.Tx) error {
		released, err := tx.ReleaseExpiredLocks(ctx, 6)
		if err != nil {
			return err
		}
		if len(released) != 1 || released[0].LockTxID == nil || *released[0].LockTxID != "tx2" {
			t.Fatalf("expected one note released from tx2, got %+v", released)
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx release: %v", err)
	}

	if bal, err := st.SpendableBalance(ctx, "hot", 1); err != nil || bal != 10 {
		t.Fatalf("SpendableBalance after release: bal=%d err=%v", bal, err)
	}

	// Rewind to height 0: all tree state disappears.
	if err := st.WithTx(ctx, func(tx store.Tx) error {
		deleted, err := tx.DeleteNotesFromPosition(ctx, 0)
		if err != nil {
			return err
		}
		if len(deleted) != 1 {
			t.Fatalf("expected 1 deleted note, got %d", len(deleted))
		}
		if err := tx.DeleteCommitmentsFrom(ctx, 0); err != nil {
			return err
		}
		if err := tx.DeleteBlocksAbove(ctx, 0); err != nil {
			return err
		}
		if _, ok, err := tx.GetNoteByNullifier(ctx, "nf1"); err != nil || ok {
			t.Fatalf("nullifier index should be gone: ok=%v err=%v", ok, err)
		}
		if _, ok, err := tx.GetCommitmentByOutput(ctx, "tx1", 0); err != nil || ok {
			t.Fatalf("commitment output index should be gone: ok=%v err=%v", ok, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx wipe: %v", err)
	}

	if notes, err := st.ListNotes(ctx, "hot", false, 100); err != nil || len(notes) != 0 {
		t.Fatalf("expected 0 notes after wipe, got %d err=%v", len(notes), err)
	}
	if _, ok, err := st.Tip(ctx); err != nil || ok {
		t.Fatalf("expected empty chain, ok=%v err=%v", ok, err)
	}
}

func TestStore_EventsAndCursor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if err := st.WithTx(ctx, func(tx store.Tx) error {
		for i := 0; i < 5; i++ {
			payload, _ := json.Marshal(map[string]any{"i": i})
			if err := tx.InsertEvent(ctx, store.Event{
				Kind:      "vault.note.received",
				AccountID: "hot",
				Height:    int64(10 + i),
				Payload:   payload,
			}); err != nil {
				return err
			}
		}
		// A second account gets its own id sequence.
		return tx.InsertEvent(ctx, store.Event{
			Kind:      "vault.note.received",
			AccountID: "cold",
			Height:    10,
			Payload:   json.RawMessage(`{}`),
		})
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	events, cursor, err := st.ListAccountEvents(ctx, "hot", 0, 3)
	if err != nil {
		t.Fatalf("ListAccountEvents: %v", err)
	}
	if len(events) != 3 || events[0].ID != 1 || events[2].ID != 3 || cursor != 3 {
		t.Fatalf("unexpected first page: events=%+v cursor=%d", events, cursor)
	}
	if events[1].Height != 11 || events[1].Kind != "vault.note.received" {
		t.Fatalf("unexpected event fields: %+v", events[1])
	}

	events, cursor, err = st.ListAccountEvents(ctx, "hot", cursor, 10)
	if err != nil {
		t.Fatalf("ListAccountEvents (page 2): %v", err)
	}
	if len(events) != 2 || events[0].ID != 4 || cursor != 5 {
		t.Fatalf("unexpected second page: events=%+v cursor=%d", events, cursor)
	}

	events, cursor, err = st.ListAccountEvents(ctx, "hot", cursor, 10)
	if err != nil || len(events) != 0 || cursor != 5 {
		t.Fatalf("expected empty page with cursor pinned: events=%+v cursor=%d err=%v", events, cursor, err)
	}

	coldEvents, _, err := st.ListAccountEvents(ctx, "cold", 0, 10)
	if err != nil || len(coldEvents) != 1 || coldEvents[0].ID != 1 {
		t.Fatalf("expected cold to start at id 1: events=%+v err=%v", coldEvents, err)
	}

	if cur, err := st.AccountEventCursor(ctx, "hot"); err != nil || cur != 0 {
		t.Fatalf("AccountEventCursor (unset): cur=%d err=%v", cur, err)
	}
	if err := st.SetAccountEventCursor(ctx, "hot", 4); err != nil {
		t.Fatalf("SetAccountEventCursor: %v", err)
	}
	if cur, err := st.AccountEventCursor(ctx, "hot"); err != nil || cur != 4 {
		t.Fatalf("AccountEventCursor: cur=%d err=%v", cur, err)
	}
}

func TestStore_WitnessRowsByHeight(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if err := st.WithTx(ctx, func(tx store.Tx) error {
		for _, row := range []struct {
			pos, height int64
		}{{0, 1}, {1, 1}, {0, 2}, {1, 2}, {2, 2}} {
			if err := tx.PutWitness(ctx, row.pos, row.height, []byte{byte(row.pos), byte(row.height)}); err != nil {
				return err
			}
		}

		rows, err := tx.ListWitnessesAt(ctx, 2)
		if err != nil {
			return err
		}
		if len(rows) != 3 {
			t.Fatalf("expected 3 rows at height 2, got %d", len(rows))
		}
		for i, row := range rows {
			if row.Position != int64(i) || row.Height != 2 {
				t.Fatalf("rows out of order: %+v", rows)
			}
		}

		newest, ok, err := tx.NewestWitnessHeight(ctx, 0)
		if err != nil || !ok || newest != 2 {
			t.Fatalf("NewestWitnessHeight: h=%d ok=%v err=%v", newest, ok, err)
		}

		if err := tx.DeleteWitnessesAbove(ctx, 1); err != nil {
			return err
		}
		if rows, err := tx.ListWitnessesAt(ctx, 2); err != nil || len(rows) != 0 {
			t.Fatalf("expected height 2 cleared: rows=%v err=%v", rows, err)
		}
		if _, ok, err := tx.WitnessAt(ctx, 0, 1); err != nil || !ok {
			t.Fatalf("height 1 rows must survive: ok=%v err=%v", ok, err)
		}

		if err := tx.PutWitness(ctx, 0, 2, []byte{0x02}); err != nil {
			return err
		}
		if err := tx.DeleteWitnessesBelow(ctx, 2); err != nil {
			return err
		}
		if _, ok, err := tx.WitnessAt(ctx, 0, 1); err != nil || ok {
			t.Fatalf("expected height 1 pruned: ok=%v err=%v", ok, err)
		}
		if _, ok, err := tx.WitnessAt(ctx, 0, 2); err != nil || !ok {
			t.Fatalf("expected height 2 kept: ok=%v err=%v", ok, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestStore_CommitmentRangesAndCheckpoints(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if err := st.WithTx(ctx, func(tx store.Tx) error {
		for pos := int64(0); pos < 5; pos++ {
			if err := tx.InsertCommitment(ctx, store.Commitment{
				Position:    pos,
				Height:      pos + 1,
				TxID:        "tx",
				OutputIndex: int32(pos),
				Commitment:  "cm",
			}); err != nil {
				return err
			}
			if err := tx.PutCheckpoint(ctx, store.Checkpoint{
				Height:    pos + 1,
				LeafCount: pos + 1,
				Frontier:  []byte{byte(pos)},
				Root:      "r",
			}); err != nil {
				return err
			}
		}

		got, err := tx.ListCommitments(ctx, 1, 4)
		if err != nil {
			return err
		}
		if len(got) != 3 || got[0].Position != 1 || got[2].Position != 3 {
			t.Fatalf("unexpected range: %+v", got)
		}

		if err := tx.DeleteCommitmentsFrom(ctx, 3); err != nil {
			return err
		}
		got, err = tx.ListCommitments(ctx, 0, 100)
		if err != nil {
			return err
		}
		if len(got) != 3 || got[2].Position != 2 {
			t.Fatalf("expected positions 0..2 left, got %+v", got)
		}
		if _, ok, err := tx.GetCommitmentByOutput(ctx, "tx", 4); err != nil || ok {
			t.Fatalf("output index for deleted commitment should be gone: ok=%v err=%v", ok, err)
		}
		if c, ok, err := tx.GetCommitmentByOutput(ctx, "tx", 2); err != nil || !ok || c.Position != 2 {
			t.Fatalf("GetCommitmentByOutput: c=%+v ok=%v err=%v", c, ok, err)
		}

		if err := tx.DeleteCheckpointsAbove(ctx, 3); err != nil {
			return err
		}
		if err := tx.DeleteCheckpointsBelow(ctx, 2); err != nil {
			return err
		}
		cps, err := tx.ListCheckpoints(ctx)
		if err != nil {
			return err
		}
		if len(cps) != 2 || cps[0].Height != 2 || cps[1].Height != 3 {
			t.Fatalf("expected checkpoints 2 and 3, got %+v", cps)
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	oldest, ok, err := st.OldestCheckpointHeight(ctx)
	if err != nil || !ok || oldest != 2 {
		t.Fatalf("OldestCheckpointHeight: h=%d ok=%v err=%v", oldest, ok, err)
	}
}
