package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/Abdullah1738/juno-vault/internal/store"
)

func TestListAccountNotes_LimitAndUnspentFilter(t *testing.T) {
	ctx := context.Background()
	srv, st, _ := newTestEnv(t)
	client := srv.Client()

	if err := st.CreateAccount(ctx, store.Account{
		AccountID:  "acct-1",
		PoolKind:   "orchard",
		ViewingKey: testViewingKey,
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	h10, h11, h12 := int64(10), int64(11), int64(12)
	p0, p1, p2 := int64(0), int64(1), int64(2)
	spentTx := "tx-spend"
	lockTx := "tx-lock"

	if err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertNote(ctx, store.ReceivedNote{
			TxID:       "tx-a",
			AccountID:  "acct-1",
			Height:     &h10,
			Position:   &p0,
			ValueZat:   5,
			Commitment: cmHex(1),
			Nullifier:  nfHex(1),
		}); err != nil {
			return err
		}
		if err := tx.InsertNote(ctx, store.ReceivedNote{
			TxID:        "tx-b",
			AccountID:   "acct-1",
			Height:      &h11,
			Position:    &p1,
			ValueZat:    20,
			Commitment:  cmHex(2),
			Nullifier:   nfHex(2),
			SpentHeight: &h12,
			SpentTxID:   &spentTx,
		}); err != nil {
			return err
		}
		if err := tx.InsertNote(ctx, store.ReceivedNote{
			TxID:       "tx-c",
			AccountID:  "acct-1",
			Height:     &h12,
			Position:   &p2,
			ValueZat:   30,
			Commitment: cmHex(3),
			Nullifier:  nfHex(3),
			LockTxID:   &lockTx,
		}); err != nil {
			return err
		}
		// Unmined change has no height or position yet.
		return tx.InsertNote(ctx, store.ReceivedNote{
			TxID:       "tx-d",
			AccountID:  "acct-1",
			ValueZat:   7,
			Commitment: cmHex(4),
			Nullifier:  nfHex(4),
			Change:     true,
		})
	}); err != nil {
		t.Fatalf("insert notes: %v", err)
	}

	txids := func(resp map[string]any) []string {
		t.Helper()
		list, ok := resp["notes"].([]any)
		if !ok {
			t.Fatalf("unexpected notes payload: %v", resp)
		}
		out := make([]string, 0, len(list))
		for _, raw := range list {
			out = append(out, raw.(map[string]any)["txid"].(string))
		}
		return out
	}

	all := getJSON(t, client, srv.URL+"/accounts/acct-1/notes", http.StatusOK)
	got := txids(all)
	want := []string{"tx-a", "tx-b", "tx-c", "tx-d"}
	if len(got) != len(want) {
		t.Fatalf("all notes=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("all notes=%v, want %v", got, want)
		}
	}
	last := all["notes"].([]any)[3].(map[string]any)
	if _, hasPos := last["position"]; hasPos {
		t.Fatalf("unmined note carries a position: %v", last)
	}
	if last["change"] != true {
		t.Fatalf("unmined note not marked change: %v", last)
	}

	page := txids(getJSON(t, client, srv.URL+"/accounts/acct-1/notes?limit=2", http.StatusOK))
	if len(page) != 2 || page[0] != "tx-a" || page[1] != "tx-b" {
		t.Fatalf("limited page=%v", page)
	}

	// Spent and spend-locked notes both drop out of the unspent view.
	unspent := getJSON(t, client, srv.URL+"/accounts/acct-1/notes?unspent=1", http.StatusOK)
	got = txids(unspent)
	if len(got) != 2 || got[0] != "tx-a" || got[1] != "tx-d" {
		t.Fatalf("unspent notes=%v", got)
	}
	for _, raw := range unspent["notes"].([]any) {
		n := raw.(map[string]any)
		if _, spent := n["spent_txid"]; spent {
			t.Fatalf("unspent note %v carries spent_txid", n["txid"])
		}
		if _, locked := n["lock_txid"]; locked {
			t.Fatalf("unspent note %v carries lock_txid", n["txid"])
		}
	}

	ghost := getJSON(t, client, srv.URL+"/accounts/ghost/notes", http.StatusOK)
	if list, ok := ghost["notes"].([]any); !ok || len(list) != 0 {
		t.Fatalf("ghost account notes: %v", ghost)
	}
}
