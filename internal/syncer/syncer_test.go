package syncer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/ledger"
	"github.com/Abdullah1738/juno-vault/internal/pool"
	"github.com/Abdullah1738/juno-vault/internal/source"
	"github.com/Abdullah1738/juno-vault/internal/store"
	"github.com/Abdullah1738/juno-vault/internal/store/rocksdb"
)

const testViewingKey = "uview1qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := rocksdb.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("rocksdb.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func cmHex(i uint64) string {
	var b [32]byte
	binary.BigEndian.PutUint64(b[:8], i+1)
	return hex.EncodeToString(b[:])
}

func nfHex(i uint64) string {
	var b [32]byte
	binary.BigEndian.PutUint64(b[24:], i+1)
	return hex.EncodeToString(b[:])
}

func block(height int64, hash, prev string, txs ...ledger.ScannedTransaction) ledger.ScannedBlock {
	return ledger.ScannedBlock{
		Height:       height,
		Hash:         hash,
		PrevHash:     prev,
		Time:         1700000000 + height,
		Transactions: txs,
	}
}

func foreignTx(txid string, cms ...string) ledger.ScannedTransaction {
	tx := ledger.ScannedTransaction{TxID: txid}
	for _, cm := range cms {
		tx.Outputs = append(tx.Outputs, ledger.ScannedOutput{Commitment: cm})
	}
	return tx
}

func noteTx(txid, cm, nf string, value int64) ledger.ScannedTransaction {
	return ledger.ScannedTransaction{
		TxID: txid,
		Outputs: []ledger.ScannedOutput{
			{Commitment: cm, AccountID: "acct-1", ValueZat: value, Nullifier: nf},
		},
	}
}

func newTestSyncer(t *testing.T, src source.Source, start int64) (*Syncer, store.Store, *ledger.Ledger) {
	t.Helper()
	st := openTestStore(t)
	ld, err := ledger.New(st, 0)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	s, err := New(st, ld, src, start, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, st, ld
}

func TestSyncer_FollowsSourceAndHandlesReorg(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src := source.NewStatic(
		block(1, "h1", "h0", foreignTx("tx-f1", cmHex(0))),
		block(2, "h2", "h1", noteTx("tx-n1", cmHex(1), nfHex(1), 5)),
		block(3, "h3", "h2", foreignTx("tx-f3", cmHex(2))),
	)
	s, st, ld := newTestSyncer(t, src, 1)

	if _, err := ld.CreateAccount(ctx, "acct-1", pool.KindOrchard, testViewingKey); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := s.syncOnce(ctx); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}
	tip, ok, err := st.Tip(ctx)
	if err != nil || !ok {
		t.Fatalf("Tip: ok=%v err=%v", ok, err)
	}
	if tip.Height != 3 || tip.Hash != "h3" {
		t.Fatalf("tip = %d/%s, want 3/h3", tip.Height, tip.Hash)
	}
	if bal, err := ld.Balance(ctx, "acct-1", 3); err != nil || bal != 5 {
		t.Fatalf("Balance(3) = %d, %v, want 5", bal, err)
	}

	// A quiet source leaves the store alone.
	if err := s.syncOnce(ctx); err != nil {
		t.Fatalf("idle syncOnce: %v", err)
	}

	src.Extend(block(4, "h4", "h3", foreignTx("tx-f4", cmHex(3))))
	if err := s.syncOnce(ctx); err != nil {
		t.Fatalf("syncOnce after extend: %v", err)
	}
	if tip, _, _ := st.Tip(ctx); tip.Height != 4 {
		t.Fatalf("tip after extend = %d, want 4", tip.Height)
	}

	// Reorg blocks 3 and 4 away in favor of a longer branch carrying a
	// second note.
	src.ReplaceFrom(3,
		block(3, "h3b", "h2", noteTx("tx-n2", cmHex(10), nfHex(10), 7)),
		block(4, "h4b", "h3b", foreignTx("tx-f4b", cmHex(11))),
		block(5, "h5b", "h4b", foreignTx("tx-f5b", cmHex(12))),
	)
	if err := s.syncOnce(ctx); err != nil {
		t.Fatalf("syncOnce across reorg: %v", err)
	}

	tip, ok, err = st.Tip(ctx)
	if err != nil || !ok {
		t.Fatalf("Tip after reorg: ok=%v err=%v", ok, err)
	}
	if tip.Height != 5 || tip.Hash != "h5b" {
		t.Fatalf("tip after reorg = %d/%s, want 5/h5b", tip.Height, tip.Hash)
	}
	if hash, ok, _ := st.HashAtHeight(ctx, 3); !ok || hash != "h3b" {
		t.Fatalf("hash at 3 after reorg = %q ok=%v, want h3b", hash, ok)
	}
	if bal, err := ld.Balance(ctx, "acct-1", 5); err != nil || bal != 12 {
		t.Fatalf("Balance(5) after reorg = %d, %v, want 12", bal, err)
	}
}

func TestSyncer_StartsAtBirthdayHeight(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src := source.NewStatic(
		block(3, "h3", "h2", foreignTx("tx-f3", cmHex(0))),
		block(4, "h4", "h3", foreignTx("tx-f4", cmHex(1))),
	)
	s, st, _ := newTestSyncer(t, src, 3)

	if err := s.syncOnce(ctx); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}
	tip, ok, err := st.Tip(ctx)
	if err != nil || !ok {
		t.Fatalf("Tip: ok=%v err=%v", ok, err)
	}
	if tip.Height != 4 {
		t.Fatalf("tip = %d, want 4", tip.Height)
	}
	if _, ok, _ := st.HashAtHeight(ctx, 2); ok {
		t.Fatal("store holds a block below the birthday height")
	}
}

func TestSyncer_ForeignChainIsAnError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src := source.NewStatic(
		block(1, "h1", "h0", foreignTx("tx-f1", cmHex(0))),
		block(2, "h2", "h1", foreignTx("tx-f2", cmHex(1))),
	)
	s, _, _ := newTestSyncer(t, src, 1)

	if err := s.syncOnce(ctx); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}

	// A source serving an unrelated chain shares no ancestor to rewind to.
	src.ReplaceFrom(1,
		block(1, "x1", "x0", foreignTx("tx-x1", cmHex(5))),
		block(2, "x2", "x1", foreignTx("tx-x2", cmHex(6))),
	)
	err := s.syncOnce(ctx)
	if err == nil || !strings.Contains(err.Error(), "shares no ancestor") {
		t.Fatalf("syncOnce on foreign chain: %v", err)
	}
}
