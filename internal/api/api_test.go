package api

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/ledger"
	"github.com/Abdullah1738/juno-vault/internal/store"
	"github.com/Abdullah1738/juno-vault/internal/store/rocksdb"
)

const testViewingKey = "uview1qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func newTestEnv(t *testing.T, opts ...Option) (*httptest.Server, store.Store, *ledger.Ledger) {
	t.Helper()

	st, err := rocksdb.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	ld, err := ledger.New(st, 0)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	apiServer, err := New(st, ld, opts...)
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(srv.Close)
	return srv, st, ld
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

func getJSON(t *testing.T, client *http.Client, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d (body %s)", url, resp.StatusCode, wantStatus, body)
	}
	if wantStatus != http.StatusOK {
		return nil
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
	return out
}

func postJSON(t *testing.T, client *http.Client, url, body string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s: status %d, want %d (body %s)", url, resp.StatusCode, wantStatus, b)
	}
	if wantStatus != http.StatusOK {
		return nil
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("POST %s: decode: %v", url, err)
	}
	return out
}

func TestAPI_AccountLifecycleAndReads(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, _, ld := newTestEnv(t)
	client := srv.Client()

	createBody := `{"account_id":"acct-1","pool_kind":"orchard","viewing_key":"` + testViewingKey + `"}`
	created := postJSON(t, client, srv.URL+"/accounts", createBody, http.StatusOK)
	if created["account_id"] != "acct-1" || created["pool_kind"] != "orchard" {
		t.Fatalf("unexpected create response: %v", created)
	}

	postJSON(t, client, srv.URL+"/accounts", createBody, http.StatusConflict)
	postJSON(t, client, srv.URL+"/accounts",
		`{"account_id":"acct-2","pool_kind":"sprout","viewing_key":"`+testViewingKey+`"}`,
		http.StatusBadRequest)
	postJSON(t, client, srv.URL+"/accounts",
		`{"account_id":"acct-3","pool_kind":"orchard","viewing_key":"uview1"}`,
		http.StatusBadRequest)
	postJSON(t, client, srv.URL+"/accounts",
		`{"account_id":"../evil","pool_kind":"orchard","viewing_key":"`+testViewingKey+`"}`,
		http.StatusBadRequest)

	if err := ld.ApplyBlock(ctx, ledger.ScannedBlock{
		Height: 1, Hash: "h1", PrevHash: "h0", Time: 1700000001,
		Transactions: []ledger.ScannedTransaction{
			{TxID: "tx-f1", Outputs: []ledger.ScannedOutput{{Commitment: cmHex(0)}}},
		},
	}); err != nil {
		t.Fatalf("ApplyBlock(1): %v", err)
	}
	if err := ld.ApplyBlock(ctx, ledger.ScannedBlock{
		Height: 2, Hash: "h2", PrevHash: "h1", Time: 1700000002,
		Transactions: []ledger.ScannedTransaction{
			{TxID: "tx-n1", Outputs: []ledger.ScannedOutput{
				{Commitment: cmHex(1), AccountID: "acct-1", ValueZat: 5, Nullifier: nfHex(1)},
			}},
		},
	}); err != nil {
		t.Fatalf("ApplyBlock(2): %v", err)
	}

	health := getJSON(t, client, srv.URL+"/healthz", http.StatusOK)
	if health["status"] != "ok" || health["tip_height"].(float64) != 2 {
		t.Fatalf("unexpected health: %v", health)
	}

	status := getJSON(t, client, srv.URL+"/status", http.StatusOK)
	if status["tip_height"].(float64) != 2 || status["leaf_count"].(float64) != 2 {
		t.Fatalf("unexpected status: %v", status)
	}
	root, _ := status["root"].(string)
	if root == "" {
		t.Fatalf("status missing root: %v", status)
	}

	accounts := getJSON(t, client, srv.URL+"/accounts", http.StatusOK)
	if list, ok := accounts["accounts"].([]any); !ok || len(list) != 1 {
		t.Fatalf("unexpected accounts: %v", accounts)
	}

	bal := getJSON(t, client, srv.URL+"/accounts/acct-1/balance", http.StatusOK)
	if bal["balance_zat"].(float64) != 5 || bal["anchor_height"].(float64) != 2 {
		t.Fatalf("unexpected balance: %v", bal)
	}

	// The note's leaf is not yet in the tree at height 1.
	bal1 := getJSON(t, client, srv.URL+"/accounts/acct-1/balance?anchor=1", http.StatusOK)
	if bal1["balance_zat"].(float64) != 0 {
		t.Fatalf("unexpected balance at anchor 1: %v", bal1)
	}

	getJSON(t, client, srv.URL+"/accounts/ghost/balance", http.StatusNotFound)
	getJSON(t, client, srv.URL+"/accounts/acct-1/balance?anchor=99", http.StatusBadRequest)
	getJSON(t, client, srv.URL+"/accounts/acct-1/balance?anchor=-3", http.StatusBadRequest)

	notes := getJSON(t, client, srv.URL+"/accounts/acct-1/notes?unspent=1", http.StatusOK)
	list, ok := notes["notes"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("unexpected notes: %v", notes)
	}
	n0 := list[0].(map[string]any)
	if n0["commitment"] != cmHex(1) || n0["value_zat"].(float64) != 5 || n0["position"].(float64) != 1 {
		t.Fatalf("unexpected note: %v", n0)
	}

	events := getJSON(t, client, srv.URL+"/accounts/acct-1/events", http.StatusOK)
	evList, ok := events["events"].([]any)
	if !ok || len(evList) != 1 {
		t.Fatalf("unexpected events: %v", events)
	}
	ev0 := evList[0].(map[string]any)
	if ev0["kind"] != "vault.note.received" || ev0["height"].(float64) != 2 {
		t.Fatalf("unexpected event: %v", ev0)
	}
	if events["next_cursor"].(float64) <= 0 {
		t.Fatalf("expected positive next_cursor: %v", events)
	}

	div0 := postJSON(t, client, srv.URL+"/accounts/acct-1/diversifier", "", http.StatusOK)
	div1 := postJSON(t, client, srv.URL+"/accounts/acct-1/diversifier", "", http.StatusOK)
	if div0["diversifier_index"].(float64) != 0 || div1["diversifier_index"].(float64) != 1 {
		t.Fatalf("unexpected diversifier indexes: %v %v", div0, div1)
	}
	postJSON(t, client, srv.URL+"/accounts/ghost/diversifier", "", http.StatusNotFound)

	wit := getJSON(t, client, srv.URL+"/accounts/acct-1/witness?txid=tx-n1&vout=0", http.StatusOK)
	if wit["position"].(float64) != 1 || wit["anchor_height"].(float64) != 2 {
		t.Fatalf("unexpected witness: %v", wit)
	}
	if wit["anchor_root"] != root {
		t.Fatalf("witness root %v does not match status root %v", wit["anchor_root"], root)
	}
	if sibs, ok := wit["siblings"].([]any); !ok || len(sibs) != 32 {
		t.Fatalf("expected 32 siblings, got %v", wit["siblings"])
	}

	getJSON(t, client, srv.URL+"/accounts/acct-1/witness?vout=0", http.StatusBadRequest)
	getJSON(t, client, srv.URL+"/accounts/acct-1/witness?txid=tx-ghost&vout=0", http.StatusNotFound)

	// Method discipline.
	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, srv.URL+"/accounts", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("DELETE /accounts: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /accounts: status %d, want 405", resp.StatusCode)
	}
	getJSON(t, client, srv.URL+"/accounts/acct-1/diversifier", http.StatusMethodNotAllowed)
}

func TestIsSafeAccountID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"hot", true},
		{"cold", true},
		{"hot_1", true},
		{"HOT-1", true},
		{"", true}, // empty is validated elsewhere
		{"spaces bad", false},
		{"../evil", false},
		{"a/b", false},
		{"💣", false},
	}

	for _, tc := range tests {
		if got := isSafeAccountID(tc.in); got != tc.want {
			t.Fatalf("isSafeAccountID(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}
