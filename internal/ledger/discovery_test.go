package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/accumulator"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

func TestLedger_LateDiscoveryRebuildsWitness(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	l, st := newTestLedger(t, 0)
	mustCreateAccount(t, l, "hot")

	for h := int64(1); h <= 5; h++ {
		i := int(h-1) * 2
		mustApply(t, l, testBlock(h, foreignTx("tx-f"+string(rune('0'+h)), cmHex(i), cmHex(i+1))))
	}

	// The wallet later manages to decrypt output 1 of block 3's transaction
	// (position 5).
	if err := l.StoreDecryptedTransaction(ctx, "tx-f3", []DecryptedOutput{
		{OutputIndex: 1, AccountID: "hot", ValueZat: 6, Nullifier: nfHex(0)},
	}); err != nil {
		t.Fatalf("StoreDecryptedTransaction: %v", err)
	}

	note, ok, err := st.GetNote(ctx, "tx-f3", 1)
	if err != nil || !ok {
		t.Fatalf("GetNote: ok=%v err=%v", ok, err)
	}
	if note.Position == nil || *note.Position != 5 || note.Height == nil || *note.Height != 3 {
		t.Fatalf("note not placed at its historical position: %+v", note)
	}
	if bal, err := l.Balance(ctx, "hot", 5); err != nil || bal != 6 {
		t.Fatalf("Balance: bal=%d err=%v", bal, err)
	}

	leaf, err := accumulator.NodeFromHex(cmHex(5))
	if err != nil {
		t.Fatalf("NodeFromHex: %v", err)
	}
	sw, err := l.SpendWitness(ctx, "hot", "tx-f3", 1, 5)
	if err != nil {
		t.Fatalf("SpendWitness: %v", err)
	}
	if got := accumulator.PathRoot(leaf, sw.Path).Hex(); got != sw.AnchorRoot {
		t.Fatalf("rebuilt witness: path recomputes %s, want %s", got, sw.AnchorRoot)
	}

	// The rebuilt witness keeps extending with the chain.
	mustApply(t, l, testBlock(6, foreignTx("tx-f6", cmHex(10))))
	sw, err = l.SpendWitness(ctx, "hot", "tx-f3", 1, 6)
	if err != nil {
		t.Fatalf("SpendWitness after extend: %v", err)
	}
	if got := accumulator.PathRoot(leaf, sw.Path).Hex(); got != sw.AnchorRoot {
		t.Fatalf("extended witness: path recomputes %s, want %s", got, sw.AnchorRoot)
	}

	// Repeating the discovery changes nothing.
	if err := l.StoreDecryptedTransaction(ctx, "tx-f3", []DecryptedOutput{
		{OutputIndex: 1, AccountID: "hot", ValueZat: 6, Nullifier: nfHex(0)},
	}); err != nil {
		t.Fatalf("repeat StoreDecryptedTransaction: %v", err)
	}
	notes, err := st.ListNotes(ctx, "hot", false, 100)
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}

	// Outputs with no stored commitment cannot be placed.
	err = l.StoreDecryptedTransaction(ctx, "tx-ghost", []DecryptedOutput{
		{OutputIndex: 0, AccountID: "hot", ValueZat: 1, Nullifier: nfHex(9)},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
}

func TestLedger_SentTransactionLockTakeoverAfterExpiry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	l, st := newTestLedger(t, 0)
	mustCreateAccount(t, l, "hot")

	mustApply(t, l, testBlock(1, ScannedTransaction{
		TxID:    "tx-coin",
		Outputs: []ScannedOutput{{Commitment: cmHex(0), AccountID: "hot", ValueZat: 5, Nullifier: nfHex(0)}},
	}))
	for h := int64(2); h <= 6; h++ {
		mustApply(t, l, testBlock(h, foreignTx("tx-f"+string(rune('0'+h)), cmHex(int(h)))))
	}

	// A stale spend candidate: its expiry already precedes the tip.
	staleExpiry := int64(5)
	if err := l.StoreSentTransaction(ctx, SentTransaction{
		TxID:            "tx-stale",
		AccountID:       "hot",
		ExpiryHeight:    &staleExpiry,
		Raw:             []byte{0x01},
		InputNullifiers: []string{nfHex(0)},
	}); err != nil {
		t.Fatalf("StoreSentTransaction(stale): %v", err)
	}

	// A fresh candidate may take the lock over; a third may not displace
	// the live holder.
	freshExpiry := int64(30)
	if err := l.StoreSentTransaction(ctx, SentTransaction{
		TxID:            "tx-fresh",
		AccountID:       "hot",
		ExpiryHeight:    &freshExpiry,
		Raw:             []byte{0x02},
		InputNullifiers: []string{nfHex(0)},
	}); err != nil {
		t.Fatalf("StoreSentTransaction(fresh): %v", err)
	}
	note, _, err := st.GetNote(ctx, "tx-coin", 0)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if note.LockTxID == nil || *note.LockTxID != "tx-fresh" {
		t.Fatalf("expected lock takeover by tx-fresh, got %+v", note)
	}
	err = l.StoreSentTransaction(ctx, SentTransaction{
		TxID:            "tx-third",
		AccountID:       "hot",
		ExpiryHeight:    &freshExpiry,
		Raw:             []byte{0x03},
		InputNullifiers: []string{nfHex(0)},
	})
	if !errors.Is(err, ErrDoubleSpend) {
		t.Fatalf("expected ErrDoubleSpend against a live lock, got %v", err)
	}

	// Re-storing the holder is a no-op, not a conflict.
	if err := l.StoreSentTransaction(ctx, SentTransaction{
		TxID:            "tx-fresh",
		AccountID:       "hot",
		ExpiryHeight:    &freshExpiry,
		Raw:             []byte{0x02},
		InputNullifiers: []string{nfHex(0)},
	}); err != nil {
		t.Fatalf("re-store holder: %v", err)
	}

	// Spending an unknown or already spent note fails up front.
	err = l.StoreSentTransaction(ctx, SentTransaction{
		TxID:            "tx-nope",
		AccountID:       "hot",
		Raw:             []byte{0x04},
		InputNullifiers: []string{nfHex(42)},
	})
	if !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
	if err := l.StoreSentTransaction(ctx, SentTransaction{TxID: "tx-x", AccountID: "ghost"}); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestLedger_SelectSpendableAndDiversifier(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	l, _ := newTestLedger(t, 0)
	mustCreateAccount(t, l, "hot")

	mustApply(t, l, testBlock(1, ScannedTransaction{
		TxID:    "tx-a",
		Outputs: []ScannedOutput{{Commitment: cmHex(0), AccountID: "hot", ValueZat: 1, Nullifier: nfHex(0)}},
	}))
	mustApply(t, l, testBlock(2, ScannedTransaction{
		TxID:    "tx-b",
		Outputs: []ScannedOutput{{Commitment: cmHex(1), AccountID: "hot", ValueZat: 2, Nullifier: nfHex(1)}},
	}))
	mustApply(t, l, testBlock(3, ScannedTransaction{
		TxID:    "tx-c",
		Outputs: []ScannedOutput{{Commitment: cmHex(2), AccountID: "hot", ValueZat: 4, Nullifier: nfHex(2)}},
	}))

	notes, total, err := l.SelectSpendable(ctx, "hot", 3, 3)
	if err != nil {
		t.Fatalf("SelectSpendable: %v", err)
	}
	if len(notes) != 2 || total != 3 {
		t.Fatalf("expected oldest two notes totalling 3, got %d notes total %d", len(notes), total)
	}
	if notes[0].TxID != "tx-a" || notes[1].TxID != "tx-b" {
		t.Fatalf("expected oldest-first selection, got %+v", notes)
	}

	notes, total, err = l.SelectSpendable(ctx, "hot", 100, 3)
	if err != nil {
		t.Fatalf("SelectSpendable(uncoverable): %v", err)
	}
	if len(notes) != 3 || total != 7 {
		t.Fatalf("expected every note totalling 7, got %d notes total %d", len(notes), total)
	}

	if _, _, err := l.SelectSpendable(ctx, "hot", 1, 99); !errors.Is(err, ErrCheckpointNotRetained) {
		t.Fatalf("expected ErrCheckpointNotRetained, got %v", err)
	}

	for want := uint32(0); want < 3; want++ {
		idx, err := l.NextDiversifierIndex(ctx, "hot")
		if err != nil {
			t.Fatalf("NextDiversifierIndex: %v", err)
		}
		if idx != want {
			t.Fatalf("expected index %d, got %d", want, idx)
		}
	}
	if _, err := l.NextDiversifierIndex(ctx, "ghost"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestLedger_SpendWitnessErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	l, _ := newTestLedger(t, 0)
	mustCreateAccount(t, l, "hot")
	mustCreateAccount(t, l, "other")

	mustApply(t, l, testBlock(1, ScannedTransaction{
		TxID:    "tx-a",
		Outputs: []ScannedOutput{{Commitment: cmHex(0), AccountID: "hot", ValueZat: 5, Nullifier: nfHex(0)}},
	}))

	if _, err := l.SpendWitness(ctx, "other", "tx-a", 0, 1); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound for foreign account, got %v", err)
	}
	if _, err := l.SpendWitness(ctx, "hot", "tx-a", 0, 9); !errors.Is(err, ErrCheckpointNotRetained) {
		t.Fatalf("expected ErrCheckpointNotRetained, got %v", err)
	}

	mustApply(t, l, testBlock(2, ScannedTransaction{
		TxID:    "tx-s",
		Inputs:  []ScannedInput{{Nullifier: nfHex(0)}},
		Outputs: []ScannedOutput{{Commitment: cmHex(1)}},
	}))
	if _, err := l.SpendWitness(ctx, "hot", "tx-a", 0, 2); !errors.Is(err, ErrNoteSpent) {
		t.Fatalf("expected ErrNoteSpent, got %v", err)
	}

	if _, err := l.Status(ctx); err != nil {
		t.Fatalf("Status: %v", err)
	}
}
