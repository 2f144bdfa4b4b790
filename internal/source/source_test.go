package source

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/ledger"
)

func testBlock(height int64, hash string) ledger.ScannedBlock {
	expiry := height + 40
	return ledger.ScannedBlock{
		Height:   height,
		Hash:     hash,
		PrevHash: "prev-" + hash,
		Time:     1700000000 + height,
		Transactions: []ledger.ScannedTransaction{
			{
				TxID:         "tx-" + hash,
				ExpiryHeight: &expiry,
				Outputs: []ledger.ScannedOutput{
					{
						Commitment: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
						AccountID:  "acct-1",
						ValueZat:   1200,
						Nullifier:  "ff112233445566778899aabbccddeeff00112233445566778899aabbccddee00",
					},
				},
				Inputs: []ledger.ScannedInput{{Nullifier: "aa00"}},
			},
		},
	}
}

func TestStatic_ServeExtendReplace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src := NewStatic(
		testBlock(1, "h1"),
		testBlock(2, "h2"),
		testBlock(3, "h3"),
	)

	tip, ok, err := src.Tip(ctx)
	if err != nil || !ok {
		t.Fatalf("Tip: ok=%v err=%v", ok, err)
	}
	if tip != 3 {
		t.Fatalf("tip = %d, want 3", tip)
	}

	hash, ok, err := src.HashAt(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("HashAt(2): ok=%v err=%v", ok, err)
	}
	if hash != "h2" {
		t.Fatalf("hash at 2 = %q, want h2", hash)
	}

	if _, ok, err := src.Next(ctx, 4); err != nil || ok {
		t.Fatalf("Next(4) on 3-block chain: ok=%v err=%v", ok, err)
	}

	src.Extend(testBlock(4, "h4"))
	blk, ok, err := src.Next(ctx, 4)
	if err != nil || !ok {
		t.Fatalf("Next(4) after extend: ok=%v err=%v", ok, err)
	}
	if blk.Hash != "h4" {
		t.Fatalf("block 4 hash = %q, want h4", blk.Hash)
	}

	// Reorg: replace the top two blocks with a one-block branch.
	src.ReplaceFrom(3, testBlock(3, "h3b"))

	tip, ok, err = src.Tip(ctx)
	if err != nil || !ok {
		t.Fatalf("Tip after replace: ok=%v err=%v", ok, err)
	}
	if tip != 3 {
		t.Fatalf("tip after replace = %d, want 3", tip)
	}
	if hash, ok, _ := src.HashAt(ctx, 3); !ok || hash != "h3b" {
		t.Fatalf("hash at 3 after replace = %q ok=%v, want h3b", hash, ok)
	}
	if _, ok, _ := src.HashAt(ctx, 4); ok {
		t.Fatal("block 4 survived ReplaceFrom(3)")
	}

	empty := NewStatic()
	if _, ok, err := empty.Tip(ctx); err != nil || ok {
		t.Fatalf("empty Tip: ok=%v err=%v", ok, err)
	}
}

func TestCache_RoundTripAndReopen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "blockcache")

	cache, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	if _, ok, err := cache.Tip(ctx); err != nil || ok {
		t.Fatalf("Tip on empty cache: ok=%v err=%v", ok, err)
	}

	for h := int64(5); h <= 7; h++ {
		if err := cache.Put(ctx, testBlock(h, "h"+string(rune('0'+h)))); err != nil {
			t.Fatalf("Put(%d): %v", h, err)
		}
	}

	tip, ok, err := cache.Tip(ctx)
	if err != nil || !ok {
		t.Fatalf("Tip: ok=%v err=%v", ok, err)
	}
	if tip != 7 {
		t.Fatalf("tip = %d, want 7", tip)
	}

	want := testBlock(6, "h6")
	got, ok, err := cache.Next(ctx, 6)
	if err != nil || !ok {
		t.Fatalf("Next(6): ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("block 6 did not round-trip: got %+v want %+v", got, want)
	}

	if hash, ok, _ := cache.HashAt(ctx, 5); !ok || hash != "h5" {
		t.Fatalf("hash at 5 = %q ok=%v, want h5", hash, ok)
	}

	if err := cache.DeleteFrom(ctx, 7); err != nil {
		t.Fatalf("DeleteFrom(7): %v", err)
	}
	if _, ok, _ := cache.Next(ctx, 7); ok {
		t.Fatal("block 7 survived DeleteFrom(7)")
	}
	if tip, _, _ := cache.Tip(ctx); tip != 6 {
		t.Fatalf("tip after delete = %d, want 6", tip)
	}

	if err := cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenCache(path)
	if err != nil {
		t.Fatalf("OpenCache (reopen): %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	if tip, ok, err := reopened.Tip(ctx); err != nil || !ok || tip != 6 {
		t.Fatalf("Tip after reopen: tip=%d ok=%v err=%v, want 6", tip, ok, err)
	}
	got, ok, err = reopened.Next(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("Next(5) after reopen: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, testBlock(5, "h5")) {
		t.Fatalf("block 5 changed across reopen: %+v", got)
	}
}
