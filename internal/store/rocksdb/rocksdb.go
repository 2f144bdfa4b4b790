// Package rocksdb is the embedded store backend, kept on pebble. Records
// are JSON under short key prefixes; heights, positions and event ids are
// fixed-width decimals so lexicographic key order matches numeric order.
package rocksdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/Abdullah1738/juno-vault/internal/store"
)

type Store struct {
	mu sync.Mutex
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("rocksdb: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rocksdb: mkdir: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Migrate(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	verKey := keyMeta("schema_version")
	_, closer, err := s.db.Get(verKey)
	if err == nil {
		_ = closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("rocksdb: schema_version: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(verKey, []byte("1"), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set schema_version: %w", err)
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: migrate commit: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	tx := &vaultTx{
		batch: batch,
		now:   time.Now().UTC(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: commit: %w", err)
	}
	return nil
}

// reader is satisfied by both *pebble.DB and *pebble.Batch, so the same
// lookup helpers serve committed reads and in-transaction reads.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func getRecord(r reader, key []byte, out any) (bool, error) {
	v, closer, err := r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("rocksdb: get: %w", err)
	}
	defer func() { _ = closer.Close() }()
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("rocksdb: decode: %w", err)
	}
	return true, nil
}

func getRaw(r reader, key []byte) ([]byte, bool, error) {
	v, closer, err := r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("rocksdb: get: %w", err)
	}
	out := append([]byte{}, v...)
	_ = closer.Close()
	return out, true, nil
}

func (s *Store) CreateAccount(ctx context.Context, a store.Account) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyAccount(a.AccountID)
	if _, closer, err := s.db.Get(key); err == nil {
		_ = closer.Close()
		return store.ErrAccountExists
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("rocksdb: get account: %w", err)
	}

	rec := accountRecord{
		PoolKind:          a.PoolKind,
		ViewingKey:        a.ViewingKey,
		DiversifierCursor: a.DiversifierCursor,
		CreatedAtUnix:     time.Now().UTC().Unix(),
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode account: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: insert account: %w", err)
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: create account commit: %w", err)
	}
	return nil
}

func accountFromRecord(accountID string, rec accountRecord) store.Account {
	return store.Account{
		AccountID:         accountID,
		PoolKind:          rec.PoolKind,
		ViewingKey:        rec.ViewingKey,
		DiversifierCursor: rec.DiversifierCursor,
		CreatedAt:         time.Unix(rec.CreatedAtUnix, 0).UTC(),
	}
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (store.Account, bool, error) {
	_ = ctx

	var rec accountRecord
	ok, err := getRecord(s.db, keyAccount(accountID), &rec)
	if err != nil || !ok {
		return store.Account{}, false, err
	}
	return accountFromRecord(accountID, rec), true, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]store.Account, error) {
	_ = ctx

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: accountPrefix,
		UpperBound: prefixUpperBound(accountPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.Account
	for iter.First(); iter.Valid(); iter.Next() {
		accountID := string(bytes.TrimPrefix(iter.Key(), accountPrefix))
		var rec accountRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("rocksdb: decode account: %w", err)
		}
		out = append(out, accountFromRecord(accountID, rec))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list accounts: %w", err)
	}
	return out, nil
}

func tipIn(r reader) (store.BlockTip, bool, error) {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: blockPrefix,
		UpperBound: prefixUpperBound(blockPrefix),
	})
	if err != nil {
		return store.BlockTip{}, false, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return store.BlockTip{}, false, fmt.Errorf("rocksdb: tip: %w", err)
		}
		return store.BlockTip{}, false, nil
	}
	height, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), blockPrefix))
	if err != nil {
		return store.BlockTip{}, false, fmt.Errorf("rocksdb: tip key: %w", err)
	}
	var rec blockRecord
	if err := json.Unmarshal(iter.Value(), &rec); err != nil {
		return store.BlockTip{}, false, fmt.Errorf("rocksdb: tip decode: %w", err)
	}
	return store.BlockTip{Height: height, Hash: rec.Hash}, true, nil
}

func (s *Store) Tip(ctx context.Context) (store.BlockTip, bool, error) {
	_ = ctx
	return tipIn(s.db)
}

func (s *Store) HashAtHeight(ctx context.Context, height int64) (string, bool, error) {
	_ = ctx
	if height < 0 {
		return "", false, nil
	}

	var rec blockRecord
	ok, err := getRecord(s.db, keyBlock(height), &rec)
	if err != nil || !ok {
		return "", false, err
	}
	return rec.Hash, true, nil
}

func txFromRecord(txid string, rec txRecord) store.Transaction {
	return store.Transaction{
		TxID:         txid,
		MinedHeight:  rec.MinedHeight,
		TxIndex:      rec.TxIndex,
		ExpiryHeight: rec.ExpiryHeight,
		Raw:          rec.Raw,
		CreatedAt:    time.Unix(rec.CreatedAtUnix, 0).UTC(),
	}
}

func getTransactionIn(r reader, txid string) (store.Transaction, bool, error) {
	var rec txRecord
	ok, err := getRecord(r, keyTx(txid), &rec)
	if err != nil || !ok {
		return store.Transaction{}, false, err
	}
	return txFromRecord(txid, rec), true, nil
}

func (s *Store) GetTransaction(ctx context.Context, txid string) (store.Transaction, bool, error) {
	_ = ctx
	return getTransactionIn(s.db, txid)
}

func checkpointFromRecord(height int64, rec checkpointRecord) store.Checkpoint {
	return store.Checkpoint{
		Height:    height,
		LeafCount: rec.LeafCount,
		Frontier:  rec.Frontier,
		Root:      rec.Root,
	}
}

func checkpointAtIn(r reader, height int64) (store.Checkpoint, bool, error) {
	var rec checkpointRecord
	ok, err := getRecord(r, keyCheckpoint(height), &rec)
	if err != nil || !ok {
		return store.Checkpoint{}, false, err
	}
	return checkpointFromRecord(height, rec), true, nil
}

func (s *Store) CheckpointAt(ctx context.Context, height int64) (store.Checkpoint, bool, error) {
	_ = ctx
	if height < 0 {
		return store.Checkpoint{}, false, nil
	}
	return checkpointAtIn(s.db, height)
}

func (s *Store) OldestCheckpointHeight(ctx context.Context) (int64, bool, error) {
	_ = ctx

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: checkpointPrefix,
		UpperBound: prefixUpperBound(checkpointPrefix),
	})
	if err != nil {
		return 0, false, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	if !iter.First() {
		if err := iter.Error(); err != nil {
			return 0, false, fmt.Errorf("rocksdb: oldest checkpoint: %w", err)
		}
		return 0, false, nil
	}
	height, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), checkpointPrefix))
	if err != nil {
		return 0, false, fmt.Errorf("rocksdb: checkpoint key: %w", err)
	}
	return height, true, nil
}

func witnessAtIn(r reader, position, height int64) ([]byte, bool, error) {
	return getRaw(r, keyWitness(position, height))
}

func (s *Store) WitnessAt(ctx context.Context, position, height int64) ([]byte, bool, error) {
	_ = ctx
	if position < 0 || height < 0 {
		return nil, false, nil
	}
	return witnessAtIn(s.db, position, height)
}

func noteFromRecord(rec noteRecord) store.ReceivedNote {
	return store.ReceivedNote{
		TxID:             rec.TxID,
		OutputIndex:      rec.OutputIndex,
		AccountID:        rec.AccountID,
		Height:           rec.Height,
		Position:         rec.Position,
		ValueZat:         rec.ValueZat,
		MemoHex:          rec.MemoHex,
		Commitment:       rec.Commitment,
		Nullifier:        rec.Nullifier,
		DiversifierIndex: rec.DiversifierIndex,
		Change:           rec.Change,
		SpentHeight:      rec.SpentHeight,
		SpentTxID:        rec.SpentTxID,
		LockTxID:         rec.LockTxID,
		CreatedAt:        time.Unix(rec.CreatedAtUnix, 0).UTC(),
	}
}

func getNoteIn(r reader, txid string, outputIndex int32) (store.ReceivedNote, bool, error) {
	var rec noteRecord
	ok, err := getRecord(r, keyNote(txid, outputIndex), &rec)
	if err != nil || !ok {
		return store.ReceivedNote{}, false, err
	}
	return noteFromRecord(rec), true, nil
}

func (s *Store) GetNote(ctx context.Context, txid string, outputIndex int32) (store.ReceivedNote, bool, error) {
	_ = ctx
	return getNoteIn(s.db, txid, outputIndex)
}

func listAccountNoteKeys(r reader, accountID string) ([][]byte, error) {
	prefix := keyNoteAccountPrefix(accountID)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		ref := bytes.TrimPrefix(iter.Key(), prefix)
		keys = append(keys, append(append([]byte{}, notePrefix...), ref...))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: account notes: %w", err)
	}
	return keys, nil
}

func (s *Store) ListNotes(ctx context.Context, accountID string, onlyUnspent bool, limit int) ([]store.ReceivedNote, error) {
	_ = ctx

	keys, err := listAccountNoteKeys(s.db, accountID)
	if err != nil {
		return nil, err
	}

	var out []store.ReceivedNote
	for _, key := range keys {
		var rec noteRecord
		ok, err := getRecord(s.db, key, &rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if onlyUnspent && (rec.SpentTxID != nil || rec.LockTxID != nil) {
			continue
		}
		out = append(out, noteFromRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Position, out[j].Position
		if pi == nil || pj == nil {
			return pj == nil && pi != nil
		}
		return *pi < *pj
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSentNotes(ctx context.Context, txid string) ([]store.SentNote, error) {
	_ = ctx

	prefix := keySentNoteTxPrefix(txid)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.SentNote
	for iter.First(); iter.Valid(); iter.Next() {
		var rec sentNoteRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("rocksdb: decode sent note: %w", err)
		}
		out = append(out, store.SentNote{
			TxID:        rec.TxID,
			OutputIndex: rec.OutputIndex,
			AccountID:   rec.AccountID,
			Recipient:   rec.Recipient,
			ValueZat:    rec.ValueZat,
			MemoHex:     rec.MemoHex,
			CreatedAt:   time.Unix(rec.CreatedAtUnix, 0).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list sent notes: %w", err)
	}
	return out, nil
}

// spendable reports whether the note counts toward balance under the leaf
// limit: mined into the tree, below the limit, neither spent nor locked.
func spendable(rec noteRecord, leafLimit int64) bool {
	if rec.Position == nil || *rec.Position >= leafLimit {
		return false
	}
	return rec.SpentTxID == nil && rec.SpentHeight == nil && rec.LockTxID == nil
}

func (s *Store) SpendableBalance(ctx context.Context, accountID string, leafLimit int64) (int64, error) {
	_ = ctx

	keys, err := listAccountNoteKeys(s.db, accountID)
	if err != nil {
		return 0, err
	}

	var sum int64
	for _, key := range keys {
		var rec noteRecord
		ok, err := getRecord(s.db, key, &rec)
		if err != nil {
			return 0, err
		}
		if ok && spendable(rec, leafLimit) {
			sum += rec.ValueZat
		}
	}
	return sum, nil
}

func (s *Store) SelectSpendable(ctx context.Context, accountID string, target, leafLimit int64) ([]store.ReceivedNote, error) {
	_ = ctx

	keys, err := listAccountNoteKeys(s.db, accountID)
	if err != nil {
		return nil, err
	}

	var candidates []store.ReceivedNote
	for _, key := range keys {
		var rec noteRecord
		ok, err := getRecord(s.db, key, &rec)
		if err != nil {
			return nil, err
		}
		if ok && spendable(rec, leafLimit) {
			candidates = append(candidates, noteFromRecord(rec))
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return *candidates[i].Position < *candidates[j].Position
	})

	var out []store.ReceivedNote
	var sum int64
	for _, n := range candidates {
		if sum >= target {
			break
		}
		out = append(out, n)
		sum += n.ValueZat
	}
	return out, nil
}

func (s *Store) ListAccountEvents(ctx context.Context, accountID string, afterID int64, limit int) ([]store.Event, int64, error) {
	_ = ctx
	if afterID < 0 {
		afterID = 0
	}
	if limit <= 0 {
		limit = 100
	}

	prefix := keyEventAccountPrefix(accountID)
	lower := append(append([]byte{}, prefix...), fixed20(uint64(afterID)+1)...)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, afterID, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	events := make([]store.Event, 0, limit)
	nextCursor := afterID
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		id, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), prefix))
		if err != nil {
			return nil, afterID, fmt.Errorf("rocksdb: event key: %w", err)
		}
		var rec eventRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, afterID, fmt.Errorf("rocksdb: decode event: %w", err)
		}
		events = append(events, store.Event{
			ID:        id,
			Kind:      rec.Kind,
			AccountID: accountID,
			Height:    rec.Height,
			Payload:   json.RawMessage(rec.Payload),
			CreatedAt: time.Unix(rec.CreatedAtUnix, 0).UTC(),
		})
		nextCursor = id
	}
	if err := iter.Error(); err != nil {
		return nil, afterID, fmt.Errorf("rocksdb: list events: %w", err)
	}
	return events, nextCursor, nil
}

func (s *Store) AccountEventCursor(ctx context.Context, accountID string) (int64, error) {
	_ = ctx

	v, ok, err := getRaw(s.db, keyPublishCursor(accountID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, errors.New("rocksdb: publish cursor corrupt")
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func (s *Store) SetAccountEventCursor(ctx context.Context, accountID string, cursor int64) error {
	_ = ctx
	if cursor < 0 {
		return errors.New("rocksdb: negative cursor")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyPublishCursor(accountID), uint64To8(uint64(cursor)), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set cursor: %w", err)
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: set cursor commit: %w", err)
	}
	return nil
}

type vaultTx struct {
	batch *pebble.Batch
	now   time.Time
}

func (t *vaultTx) AdvanceDiversifier(ctx context.Context, accountID string) (uint32, error) {
	_ = ctx

	key := keyAccount(accountID)
	var rec accountRecord
	ok, err := getRecord(t.batch, key, &rec)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("rocksdb: account %q: %w", accountID, store.ErrNotFound)
	}
	used := rec.DiversifierCursor
	rec.DiversifierCursor = used + 1
	v, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("rocksdb: encode account: %w", err)
	}
	if err := t.batch.Set(key, v, pebble.NoSync); err != nil {
		return 0, fmt.Errorf("rocksdb: advance diversifier: %w", err)
	}
	return used, nil
}

func (t *vaultTx) Tip(ctx context.Context) (store.BlockTip, bool, error) {
	_ = ctx
	return tipIn(t.batch)
}

func (t *vaultTx) InsertBlock(ctx context.Context, b store.Block) error {
	_ = ctx
	if b.Height < 0 {
		return errors.New("rocksdb: negative height")
	}

	rec := blockRecord{
		Hash:     b.Hash,
		PrevHash: b.PrevHash,
		Time:     b.Time,
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode block: %w", err)
	}
	if err := t.batch.Set(keyBlock(b.Height), v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: insert block: %w", err)
	}
	return nil
}

func (t *vaultTx) DeleteBlocksAbove(ctx context.Context, height int64) error {
	_ = ctx

	keys, err := collectKeys(t.batch, heightLowerBound(blockPrefix, height+1), prefixUpperBound(blockPrefix))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.batch.Delete(key, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: delete block: %w", err)
		}
	}
	return nil
}

func (t *vaultTx) UpsertTransaction(ctx context.Context, txn store.Transaction) error {
	_ = ctx
	if txn.TxID == "" {
		return errors.New("rocksdb: empty txid")
	}

	key := keyTx(txn.TxID)
	var rec txRecord
	ok, err := getRecord(t.batch, key, &rec)
	if err != nil {
		return err
	}
	if ok {
		if rec.MinedHeight != nil && (txn.MinedHeight == nil || *txn.MinedHeight != *rec.MinedHeight) {
			if err := t.batch.Delete(keyTxMined(*rec.MinedHeight, txn.TxID), pebble.NoSync); err != nil {
				return fmt.Errorf("rocksdb: drop mined index: %w", err)
			}
		}
	} else {
		rec.CreatedAtUnix = t.now.Unix()
	}
	rec.MinedHeight = txn.MinedHeight
	rec.TxIndex = txn.TxIndex
	if txn.ExpiryHeight != nil {
		rec.ExpiryHeight = txn.ExpiryHeight
	}
	if len(txn.Raw) > 0 {
		rec.Raw = txn.Raw
	}

	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode tx: %w", err)
	}
	if err := t.batch.Set(key, v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: upsert tx: %w", err)
	}
	if txn.MinedHeight != nil {
		if err := t.batch.Set(keyTxMined(*txn.MinedHeight, txn.TxID), nil, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: mined index: %w", err)
		}
	}
	return nil
}

func (t *vaultTx) GetTransaction(ctx context.Context, txid string) (store.Transaction, bool, error) {
	_ = ctx
	return getTransactionIn(t.batch, txid)
}

func (t *vaultTx) DemoteTransactionsAbove(ctx context.Context, height int64) ([]string, error) {
	_ = ctx

	keys, err := collectKeys(t.batch, heightLowerBound(txMinedPrefix, height+1), prefixUpperBound(txMinedPrefix))
	if err != nil {
		return nil, err
	}

	var txids []string
	for _, key := range keys {
		rest := bytes.TrimPrefix(key, txMinedPrefix)
		if len(rest) < 21 {
			return nil, errors.New("rocksdb: mined index key corrupt")
		}
		txid := string(rest[21:])

		var rec txRecord
		ok, err := getRecord(t.batch, keyTx(txid), &rec)
		if err != nil {
			return nil, err
		}
		if ok {
			rec.MinedHeight = nil
			rec.TxIndex = nil
			v, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("rocksdb: encode tx: %w", err)
			}
			if err := t.batch.Set(keyTx(txid), v, pebble.NoSync); err != nil {
				return nil, fmt.Errorf("rocksdb: demote tx: %w", err)
			}
		}
		if err := t.batch.Delete(key, pebble.NoSync); err != nil {
			return nil, fmt.Errorf("rocksdb: drop mined index: %w", err)
		}
		txids = append(txids, txid)
	}
	return txids, nil
}

func (t *vaultTx) InsertCommitment(ctx context.Context, c store.Commitment) error {
	_ = ctx
	if c.Position < 0 || c.Height < 0 {
		return errors.New("rocksdb: negative commitment key")
	}

	rec := commitmentRecord{
		Position:    c.Position,
		Height:      c.Height,
		TxID:        c.TxID,
		OutputIndex: c.OutputIndex,
		Commitment:  c.Commitment,
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode commitment: %w", err)
	}
	if err := t.batch.Set(keyCommitment(c.Position), v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: insert commitment: %w", err)
	}
	if err := t.batch.Set(keyCommitmentOutput(c.TxID, c.OutputIndex), fixed20(uint64(c.Position)), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: commitment output index: %w", err)
	}
	return nil
}

func commitmentFromRecord(rec commitmentRecord) store.Commitment {
	return store.Commitment{
		Position:    rec.Position,
		Height:      rec.Height,
		TxID:        rec.TxID,
		OutputIndex: rec.OutputIndex,
		Commitment:  rec.Commitment,
	}
}

func (t *vaultTx) GetCommitmentByOutput(ctx context.Context, txid string, outputIndex int32) (store.Commitment, bool, error) {
	_ = ctx

	posBytes, ok, err := getRaw(t.batch, keyCommitmentOutput(txid, outputIndex))
	if err != nil || !ok {
		return store.Commitment{}, false, err
	}
	position, err := parseFixed20Int64(posBytes)
	if err != nil {
		return store.Commitment{}, false, fmt.Errorf("rocksdb: commitment output index: %w", err)
	}
	var rec commitmentRecord
	ok, err = getRecord(t.batch, keyCommitment(position), &rec)
	if err != nil || !ok {
		return store.Commitment{}, false, err
	}
	return commitmentFromRecord(rec), true, nil
}

func (t *vaultTx) ListCommitments(ctx context.Context, from, to int64) ([]store.Commitment, error) {
	_ = ctx
	if from < 0 {
		from = 0
	}
	if to <= from {
		return nil, nil
	}

	lower := append(append([]byte{}, commitmentPrefix...), fixed20(uint64(from))...)
	upper := append(append([]byte{}, commitmentPrefix...), fixed20(uint64(to))...)
	iter, err := t.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.Commitment
	for iter.First(); iter.Valid(); iter.Next() {
		var rec commitmentRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("rocksdb: decode commitment: %w", err)
		}
		out = append(out, commitmentFromRecord(rec))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list commitments: %w", err)
	}
	return out, nil
}

func (t *vaultTx) DeleteCommitmentsFrom(ctx context.Context, position int64) error {
	_ = ctx
	if position < 0 {
		position = 0
	}

	lower := append(append([]byte{}, commitmentPrefix...), fixed20(uint64(position))...)
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(commitmentPrefix),
	})
	if err != nil {
		return fmt.Errorf("rocksdb: iter: %w", err)
	}

	type doomed struct {
		key         []byte
		txid        string
		outputIndex int32
	}
	var rows []doomed
	for iter.First(); iter.Valid(); iter.Next() {
		var rec commitmentRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			_ = iter.Close()
			return fmt.Errorf("rocksdb: decode commitment: %w", err)
		}
		rows = append(rows, doomed{
			key:         append([]byte{}, iter.Key()...),
			txid:        rec.TxID,
			outputIndex: rec.OutputIndex,
		})
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return fmt.Errorf("rocksdb: scan commitments: %w", err)
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("rocksdb: close iter: %w", err)
	}

	for _, row := range rows {
		if err := t.batch.Delete(row.key, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: delete commitment: %w", err)
		}
		if err := t.batch.Delete(keyCommitmentOutput(row.txid, row.outputIndex), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: delete commitment output index: %w", err)
		}
	}
	return nil
}

func (t *vaultTx) PutCheckpoint(ctx context.Context, c store.Checkpoint) error {
	_ = ctx
	if c.Height < 0 {
		return errors.New("rocksdb: negative height")
	}

	rec := checkpointRecord{
		LeafCount: c.LeafCount,
		Frontier:  c.Frontier,
		Root:      c.Root,
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode checkpoint: %w", err)
	}
	if err := t.batch.Set(keyCheckpoint(c.Height), v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: put checkpoint: %w", err)
	}
	return nil
}

func (t *vaultTx) GetCheckpoint(ctx context.Context, height int64) (store.Checkpoint, bool, error) {
	_ = ctx
	if height < 0 {
		return store.Checkpoint{}, false, nil
	}
	return checkpointAtIn(t.batch, height)
}

func (t *vaultTx) ListCheckpoints(ctx context.Context) ([]store.Checkpoint, error) {
	_ = ctx

	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: checkpointPrefix,
		UpperBound: prefixUpperBound(checkpointPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.Checkpoint
	for iter.First(); iter.Valid(); iter.Next() {
		height, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), checkpointPrefix))
		if err != nil {
			return nil, fmt.Errorf("rocksdb: checkpoint key: %w", err)
		}
		var rec checkpointRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("rocksdb: decode checkpoint: %w", err)
		}
		out = append(out, checkpointFromRecord(height, rec))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list checkpoints: %w", err)
	}
	return out, nil
}

func (t *vaultTx) DeleteCheckpointsAbove(ctx context.Context, height int64) error {
	_ = ctx
	return t.deleteRange(heightLowerBound(checkpointPrefix, height+1), prefixUpperBound(checkpointPrefix))
}

func (t *vaultTx) DeleteCheckpointsBelow(ctx context.Context, height int64) error {
	_ = ctx
	if height <= 0 {
		return nil
	}
	return t.deleteRange(checkpointPrefix, heightLowerBound(checkpointPrefix, height))
}

func (t *vaultTx) PutWitness(ctx context.Context, position, height int64, witness []byte) error {
	_ = ctx
	if position < 0 || height < 0 {
		return errors.New("rocksdb: negative witness key")
	}
	if len(witness) == 0 {
		return errors.New("rocksdb: empty witness")
	}

	if err := t.batch.Set(keyWitness(position, height), witness, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: put witness: %w", err)
	}
	if err := t.batch.Set(keyWitnessHeightIndex(height, position), nil, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: witness height index: %w", err)
	}
	return nil
}

func (t *vaultTx) WitnessAt(ctx context.Context, position, height int64) ([]byte, bool, error) {
	_ = ctx
	if position < 0 || height < 0 {
		return nil, false, nil
	}
	return witnessAtIn(t.batch, position, height)
}

func (t *vaultTx) ListWitnessesAt(ctx context.Context, height int64) ([]store.WitnessRow, error) {
	_ = ctx
	if height < 0 {
		return nil, nil
	}

	prefix := append(append([]byte{}, witnessHeightPrefix...), fixed20(uint64(height))...)
	prefix = append(prefix, '/')
	keys, err := collectKeys(t.batch, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}

	var out []store.WitnessRow
	for _, key := range keys {
		position, err := parseFixed20Int64(bytes.TrimPrefix(key, prefix))
		if err != nil {
			return nil, fmt.Errorf("rocksdb: witness index key: %w", err)
		}
		blob, ok, err := witnessAtIn(t.batch, position, height)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("rocksdb: witness %d@%d indexed but missing", position, height)
		}
		out = append(out, store.WitnessRow{Position: position, Height: height, Witness: blob})
	}
	return out, nil
}

func (t *vaultTx) NewestWitnessHeight(ctx context.Context, position int64) (int64, bool, error) {
	_ = ctx
	if position < 0 {
		return 0, false, nil
	}

	prefix := keyWitnessPositionPrefix(position)
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, false, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return 0, false, fmt.Errorf("rocksdb: newest witness: %w", err)
		}
		return 0, false, nil
	}
	height, err := parseFixed20Int64(bytes.TrimPrefix(iter.Key(), prefix))
	if err != nil {
		return 0, false, fmt.Errorf("rocksdb: witness key: %w", err)
	}
	return height, true, nil
}

func (t *vaultTx) deleteWitnessIndexRange(lower, upper []byte) error {
	keys, err := collectKeys(t.batch, lower, upper)
	if err != nil {
		return err
	}
	for _, key := range keys {
		rest := bytes.TrimPrefix(key, witnessHeightPrefix)
		if len(rest) != 41 {
			return errors.New("rocksdb: witness index key corrupt")
		}
		height, err := parseFixed20Int64(rest[:20])
		if err != nil {
			return fmt.Errorf("rocksdb: witness index key: %w", err)
		}
		position, err := parseFixed20Int64(rest[21:])
		if err != nil {
			return fmt.Errorf("rocksdb: witness index key: %w", err)
		}
		if err := t.batch.Delete(keyWitness(position, height), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: delete witness: %w", err)
		}
		if err := t.batch.Delete(key, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: delete witness index: %w", err)
		}
	}
	return nil
}

func (t *vaultTx) DeleteWitnessesAbove(ctx context.Context, height int64) error {
	_ = ctx
	return t.deleteWitnessIndexRange(heightLowerBound(witnessHeightPrefix, height+1), prefixUpperBound(witnessHeightPrefix))
}

func (t *vaultTx) DeleteWitnessesBelow(ctx context.Context, height int64) error {
	_ = ctx
	if height <= 0 {
		return nil
	}
	return t.deleteWitnessIndexRange(witnessHeightPrefix, heightLowerBound(witnessHeightPrefix, height))
}

func (t *vaultTx) InsertNote(ctx context.Context, n store.ReceivedNote) error {
	_ = ctx
	if n.TxID == "" || n.Nullifier == "" {
		return errors.New("rocksdb: incomplete note")
	}

	rec := noteRecord{
		TxID:             n.TxID,
		OutputIndex:      n.OutputIndex,
		AccountID:        n.AccountID,
		Height:           n.Height,
		Position:         n.Position,
		ValueZat:         n.ValueZat,
		MemoHex:          n.MemoHex,
		Commitment:       n.Commitment,
		Nullifier:        n.Nullifier,
		DiversifierIndex: n.DiversifierIndex,
		Change:           n.Change,
		SpentHeight:      n.SpentHeight,
		SpentTxID:        n.SpentTxID,
		LockTxID:         n.LockTxID,
		CreatedAtUnix:    t.now.Unix(),
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode note: %w", err)
	}

	noteKey := keyNote(n.TxID, n.OutputIndex)
	if err := t.batch.Set(noteKey, v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: insert note: %w", err)
	}
	if err := t.batch.Set(keyNullifier(n.Nullifier), noteKey, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: nullifier index: %w", err)
	}
	if err := t.batch.Set(keyNoteAccount(n.AccountID, n.TxID, n.OutputIndex), nil, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: account index: %w", err)
	}
	if n.Position != nil {
		if err := t.batch.Set(keyNotePosition(*n.Position), noteKey, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: position index: %w", err)
		}
	}
	if n.LockTxID != nil {
		if err := t.batch.Set(keyNoteLock(*n.LockTxID, n.TxID, n.OutputIndex), nil, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: lock index: %w", err)
		}
	}
	return nil
}

func (t *vaultTx) GetNote(ctx context.Context, txid string, outputIndex int32) (store.ReceivedNote, bool, error) {
	_ = ctx
	return getNoteIn(t.batch, txid, outputIndex)
}

func (t *vaultTx) getNoteByKeyRef(refKey []byte) (noteRecord, []byte, bool, error) {
	noteKey, ok, err := getRaw(t.batch, refKey)
	if err != nil || !ok {
		return noteRecord{}, nil, false, err
	}
	var rec noteRecord
	ok, err = getRecord(t.batch, noteKey, &rec)
	if err != nil || !ok {
		return noteRecord{}, nil, false, err
	}
	return rec, noteKey, true, nil
}

func (t *vaultTx) GetNoteByNullifier(ctx context.Context, nullifier string) (store.ReceivedNote, bool, error) {
	_ = ctx

	rec, _, ok, err := t.getNoteByKeyRef(keyNullifier(nullifier))
	if err != nil || !ok {
		return store.ReceivedNote{}, false, err
	}
	return noteFromRecord(rec), true, nil
}

func (t *vaultTx) GetNoteByPosition(ctx context.Context, position int64) (store.ReceivedNote, bool, error) {
	_ = ctx
	if position < 0 {
		return store.ReceivedNote{}, false, nil
	}

	rec, _, ok, err := t.getNoteByKeyRef(keyNotePosition(position))
	if err != nil || !ok {
		return store.ReceivedNote{}, false, err
	}
	return noteFromRecord(rec), true, nil
}

func (t *vaultTx) writeNote(noteKey []byte, rec noteRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode note: %w", err)
	}
	if err := t.batch.Set(noteKey, v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: write note: %w", err)
	}
	return nil
}

func (t *vaultTx) BindNotePosition(ctx context.Context, txid string, outputIndex int32, height, position int64) error {
	_ = ctx
	if height < 0 || position < 0 {
		return errors.New("rocksdb: negative height or position")
	}

	noteKey := keyNote(txid, outputIndex)
	var rec noteRecord
	ok, err := getRecord(t.batch, noteKey, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rocksdb: note %s/%d: %w", txid, outputIndex, store.ErrNotFound)
	}
	if rec.Position != nil {
		if err := t.batch.Delete(keyNotePosition(*rec.Position), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: drop position index: %w", err)
		}
	}

	rec.Height = &height
	rec.Position = &position
	if err := t.batch.Set(keyNotePosition(position), noteKey, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: position index: %w", err)
	}
	return t.writeNote(noteKey, rec)
}

func (t *vaultTx) SetNoteLock(ctx context.Context, txid string, outputIndex int32, lockTxID *string) error {
	_ = ctx

	noteKey := keyNote(txid, outputIndex)
	var rec noteRecord
	ok, err := getRecord(t.batch, noteKey, &rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rocksdb: note %s/%d: %w", txid, outputIndex, store.ErrNotFound)
	}

	if rec.LockTxID != nil {
		if err := t.batch.Delete(keyNoteLock(*rec.LockTxID, txid, outputIndex), pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: drop lock index: %w", err)
		}
	}
	rec.LockTxID = lockTxID
	if lockTxID != nil {
		if err := t.batch.Set(keyNoteLock(*lockTxID, txid, outputIndex), nil, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: lock index: %w", err)
		}
	}
	return t.writeNote(noteKey, rec)
}

func (t *vaultTx) MarkNoteSpent(ctx context.Context, nullifier string, height int64, spentTxID string) (store.ReceivedNote, error) {
	_ = ctx
	if height < 0 {
		return store.ReceivedNote{}, errors.New("rocksdb: negative height")
	}

	rec, noteKey, ok, err := t.getNoteByKeyRef(keyNullifier(nullifier))
	if err != nil {
		return store.ReceivedNote{}, err
	}
	if !ok {
		return store.ReceivedNote{}, fmt.Errorf("rocksdb: nullifier %s: %w", nullifier, store.ErrNotFound)
	}

	if rec.LockTxID != nil {
		if err := t.batch.Delete(keyNoteLock(*rec.LockTxID, rec.TxID, rec.OutputIndex), pebble.NoSync); err != nil {
			return store.ReceivedNote{}, fmt.Errorf("rocksdb: drop lock index: %w", err)
		}
		rec.LockTxID = nil
	}
	rec.SpentHeight = &height
	rec.SpentTxID = &spentTxID
	if err := t.writeNote(noteKey, rec); err != nil {
		return store.ReceivedNote{}, err
	}
	if err := t.batch.Set(keySpentHeightIndex(height, nullifier), nil, pebble.NoSync); err != nil {
		return store.ReceivedNote{}, fmt.Errorf("rocksdb: spent index: %w", err)
	}
	return noteFromRecord(rec), nil
}

func (t *vaultTx) RevertSpendsAbove(ctx context.Context, height int64) ([]store.ReceivedNote, error) {
	_ = ctx

	keys, err := collectKeys(t.batch, heightLowerBound(spentHeightPrefix, height+1), prefixUpperBound(spentHeightPrefix))
	if err != nil {
		return nil, err
	}

	var out []store.ReceivedNote
	for _, key := range keys {
		rest := bytes.TrimPrefix(key, spentHeightPrefix)
		if len(rest) < 21 {
			return nil, errors.New("rocksdb: spent index key corrupt")
		}
		nullifier := string(rest[21:])

		rec, noteKey, ok, err := t.getNoteByKeyRef(keyNullifier(nullifier))
		if err != nil {
			return nil, err
		}
		if ok && rec.SpentHeight != nil && *rec.SpentHeight > height {
			// A spend by one of the wallet's own transactions (raw bytes
			// on file) stays locked until that transaction mines again or
			// expires. An observed spend reverts to spendable.
			reverted := noteFromRecord(rec)
			var lock *string
			if rec.SpentTxID != nil {
				var spender txRecord
				haveTx, err := getRecord(t.batch, keyTx(*rec.SpentTxID), &spender)
				if err != nil {
					return nil, err
				}
				if haveTx && len(spender.Raw) > 0 {
					lock = rec.SpentTxID
				}
			}
			rec.SpentHeight = nil
			rec.SpentTxID = nil
			rec.LockTxID = lock
			if lock != nil {
				if err := t.batch.Set(keyNoteLock(*lock, rec.TxID, rec.OutputIndex), nil, pebble.NoSync); err != nil {
					return nil, fmt.Errorf("rocksdb: lock index: %w", err)
				}
			}
			if err := t.writeNote(noteKey, rec); err != nil {
				return nil, err
			}
			out = append(out, reverted)
		}
		if err := t.batch.Delete(key, pebble.NoSync); err != nil {
			return nil, fmt.Errorf("rocksdb: drop spent index: %w", err)
		}
	}
	return out, nil
}

func (t *vaultTx) ReleaseExpiredLocks(ctx context.Context, height int64) ([]store.ReceivedNote, error) {
	_ = ctx

	keys, err := collectKeys(t.batch, lockPrefix, prefixUpperBound(lockPrefix))
	if err != nil {
		return nil, err
	}

	expired := make(map[string]bool)
	var out []store.ReceivedNote
	for _, key := range keys {
		rest := bytes.TrimPrefix(key, lockPrefix)
		parts := bytes.SplitN(rest, []byte("/"), 3)
		if len(parts) != 3 {
			return nil, errors.New("rocksdb: lock index key corrupt")
		}
		lockTxID := string(parts[0])

		isExpired, seen := expired[lockTxID]
		if !seen {
			txn, ok, err := getTransactionIn(t.batch, lockTxID)
			if err != nil {
				return nil, err
			}
			isExpired = ok && txn.MinedHeight == nil && txn.ExpiryHeight != nil && *txn.ExpiryHeight < height
			expired[lockTxID] = isExpired
		}
		if !isExpired {
			continue
		}

		outputIndex, err := strconv.ParseInt(string(parts[2]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("rocksdb: lock index key: %w", err)
		}
		noteKey := keyNote(string(parts[1]), int32(outputIndex))
		var rec noteRecord
		ok, err := getRecord(t.batch, noteKey, &rec)
		if err != nil {
			return nil, err
		}
		if ok && rec.LockTxID != nil && *rec.LockTxID == lockTxID {
			released := noteFromRecord(rec)
			rec.LockTxID = nil
			if err := t.writeNote(noteKey, rec); err != nil {
				return nil, err
			}
			out = append(out, released)
		}
		if err := t.batch.Delete(key, pebble.NoSync); err != nil {
			return nil, fmt.Errorf("rocksdb: drop lock index: %w", err)
		}
	}
	return out, nil
}

func (t *vaultTx) DeleteNotesFromPosition(ctx context.Context, position int64) ([]store.ReceivedNote, error) {
	_ = ctx
	if position < 0 {
		position = 0
	}

	lower := append(append([]byte{}, notePositionPrefix...), fixed20(uint64(position))...)
	keys, err := collectKeys(t.batch, lower, prefixUpperBound(notePositionPrefix))
	if err != nil {
		return nil, err
	}

	var out []store.ReceivedNote
	for _, posKey := range keys {
		rec, noteKey, ok, err := t.getNoteByKeyRef(posKey)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := t.batch.Delete(noteKey, pebble.NoSync); err != nil {
				return nil, fmt.Errorf("rocksdb: delete note: %w", err)
			}
			if err := t.batch.Delete(keyNullifier(rec.Nullifier), pebble.NoSync); err != nil {
				return nil, fmt.Errorf("rocksdb: drop nullifier index: %w", err)
			}
			if err := t.batch.Delete(keyNoteAccount(rec.AccountID, rec.TxID, rec.OutputIndex), pebble.NoSync); err != nil {
				return nil, fmt.Errorf("rocksdb: drop account index: %w", err)
			}
			if rec.LockTxID != nil {
				if err := t.batch.Delete(keyNoteLock(*rec.LockTxID, rec.TxID, rec.OutputIndex), pebble.NoSync); err != nil {
					return nil, fmt.Errorf("rocksdb: drop lock index: %w", err)
				}
			}
			if rec.SpentHeight != nil {
				if err := t.batch.Delete(keySpentHeightIndex(*rec.SpentHeight, rec.Nullifier), pebble.NoSync); err != nil {
					return nil, fmt.Errorf("rocksdb: drop spent index: %w", err)
				}
			}
			out = append(out, noteFromRecord(rec))
		}
		if err := t.batch.Delete(posKey, pebble.NoSync); err != nil {
			return nil, fmt.Errorf("rocksdb: drop position index: %w", err)
		}
	}
	return out, nil
}

func (t *vaultTx) ListLiveNotes(ctx context.Context, spentAbove int64) ([]store.ReceivedNote, error) {
	_ = ctx

	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: notePrefix,
		UpperBound: prefixUpperBound(notePrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var out []store.ReceivedNote
	for iter.First(); iter.Valid(); iter.Next() {
		var rec noteRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("rocksdb: decode note: %w", err)
		}
		if rec.Position == nil {
			continue
		}
		live := rec.SpentHeight == nil || *rec.SpentHeight > spentAbove
		if live {
			out = append(out, noteFromRecord(rec))
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: list live notes: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].Position < *out[j].Position })
	return out, nil
}

func (t *vaultTx) InsertSentNote(ctx context.Context, n store.SentNote) error {
	_ = ctx
	if n.TxID == "" {
		return errors.New("rocksdb: empty txid")
	}

	rec := sentNoteRecord{
		TxID:          n.TxID,
		OutputIndex:   n.OutputIndex,
		AccountID:     n.AccountID,
		Recipient:     n.Recipient,
		ValueZat:      n.ValueZat,
		MemoHex:       n.MemoHex,
		CreatedAtUnix: t.now.Unix(),
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode sent note: %w", err)
	}
	if err := t.batch.Set(keySentNote(n.TxID, n.OutputIndex), v, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: insert sent note: %w", err)
	}
	return nil
}

func (t *vaultTx) InsertEvent(ctx context.Context, e store.Event) error {
	_ = ctx
	if e.Height < 0 {
		return errors.New("rocksdb: negative height")
	}

	seqKey := keyEventSeq(e.AccountID)
	var nextID uint64 = 1
	v, ok, err := getRaw(t.batch, seqKey)
	if err != nil {
		return err
	}
	if ok {
		if len(v) != 8 {
			return errors.New("rocksdb: event seq corrupt")
		}
		nextID = binary.BigEndian.Uint64(v)
	}

	rec := eventRecord{
		Kind:          e.Kind,
		AccountID:     e.AccountID,
		Height:        e.Height,
		Payload:       string(e.Payload),
		CreatedAtUnix: t.now.Unix(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rocksdb: encode event: %w", err)
	}
	if err := t.batch.Set(keyEvent(e.AccountID, nextID), b, pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: insert event: %w", err)
	}
	if err := t.batch.Set(seqKey, uint64To8(nextID+1), pebble.NoSync); err != nil {
		return fmt.Errorf("rocksdb: bump event seq: %w", err)
	}
	return nil
}

func (t *vaultTx) deleteRange(lower, upper []byte) error {
	keys, err := collectKeys(t.batch, lower, upper)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.batch.Delete(key, pebble.NoSync); err != nil {
			return fmt.Errorf("rocksdb: delete: %w", err)
		}
	}
	return nil
}

// collectKeys copies every key in [lower, upper) before any mutation, so
// callers never delete under a live iterator.
func collectKeys(r reader, lower, upper []byte) ([][]byte, error) {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("rocksdb: iter: %w", err)
	}
	defer iter.Close()

	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rocksdb: scan: %w", err)
	}
	return keys, nil
}

type accountRecord struct {
	PoolKind          string `json:"pool_kind"`
	ViewingKey        string `json:"viewing_key"`
	DiversifierCursor uint32 `json:"diversifier_cursor"`
	CreatedAtUnix     int64  `json:"created_at_unix"`
}

type blockRecord struct {
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash,omitempty"`
	Time     int64  `json:"time"`
}

type txRecord struct {
	MinedHeight   *int64 `json:"mined_height,omitempty"`
	TxIndex       *int32 `json:"tx_index,omitempty"`
	ExpiryHeight  *int64 `json:"expiry_height,omitempty"`
	Raw           []byte `json:"raw,omitempty"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

type commitmentRecord struct {
	Position    int64  `json:"position"`
	Height      int64  `json:"height"`
	TxID        string `json:"txid"`
	OutputIndex int32  `json:"output_index"`
	Commitment  string `json:"commitment"`
}

type checkpointRecord struct {
	LeafCount int64  `json:"leaf_count"`
	Frontier  []byte `json:"frontier"`
	Root      string `json:"root"`
}

type noteRecord struct {
	TxID             string  `json:"txid"`
	OutputIndex      int32   `json:"output_index"`
	AccountID        string  `json:"account_id"`
	Height           *int64  `json:"height,omitempty"`
	Position         *int64  `json:"position,omitempty"`
	ValueZat         int64   `json:"value_zat"`
	MemoHex          *string `json:"memo_hex,omitempty"`
	Commitment       string  `json:"commitment"`
	Nullifier        string  `json:"nullifier"`
	DiversifierIndex uint32  `json:"diversifier_index,omitempty"`
	Change           bool    `json:"change,omitempty"`
	SpentHeight      *int64  `json:"spent_height,omitempty"`
	SpentTxID        *string `json:"spent_txid,omitempty"`
	LockTxID         *string `json:"lock_txid,omitempty"`
	CreatedAtUnix    int64   `json:"created_at_unix"`
}

type sentNoteRecord struct {
	TxID          string  `json:"txid"`
	OutputIndex   int32   `json:"output_index"`
	AccountID     string  `json:"account_id"`
	Recipient     string  `json:"recipient"`
	ValueZat      int64   `json:"value_zat"`
	MemoHex       *string `json:"memo_hex,omitempty"`
	CreatedAtUnix int64   `json:"created_at_unix"`
}

type eventRecord struct {
	Kind          string `json:"kind"`
	AccountID     string `json:"account_id"`
	Height        int64  `json:"height"`
	Payload       string `json:"payload"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

var (
	accountPrefix       = []byte("a/")
	blockPrefix         = []byte("b/")
	txPrefix            = []byte("t/")
	txMinedPrefix       = []byte("tm/")
	commitmentPrefix    = []byte("c/")
	commitmentOutPrefix = []byte("co/")
	checkpointPrefix    = []byte("k/")
	witnessPrefix       = []byte("x/")
	witnessHeightPrefix = []byte("xh/")
	notePrefix          = []byte("n/")
	nullifierPrefix     = []byte("nn/")
	notePositionPrefix  = []byte("np/")
	noteAccountPrefix   = []byte("na/")
	lockPrefix          = []byte("nl/")
	spentHeightPrefix   = []byte("nsh/")
	sentNotePrefix      = []byte("sn/")
	eventPrefix         = []byte("e/")
	eventSeqPrefix      = []byte("es/")
	publishCursorPrefix = []byte("pc/")
	metaPrefix          = []byte("m/")
)

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return []byte{0xFF}
}

func fixed20(n uint64) []byte {
	var buf [20]byte
	for i := 19; i >= 0; i-- {
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return buf[:]
}

func parseFixed20Int64(b []byte) (int64, error) {
	if len(b) != 20 {
		return 0, errors.New("invalid fixed20")
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint64(0)>>1) {
		return 0, errors.New("overflow")
	}
	return int64(n), nil
}

func uint64To8(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}

func heightLowerBound(prefix []byte, height int64) []byte {
	if height < 0 {
		height = 0
	}
	b := make([]byte, 0, len(prefix)+20)
	b = append(b, prefix...)
	b = append(b, fixed20(uint64(height))...)
	return b
}

func keyMeta(name string) []byte {
	b := make([]byte, 0, len(metaPrefix)+len(name))
	b = append(b, metaPrefix...)
	b = append(b, name...)
	return b
}

func keyAccount(accountID string) []byte {
	b := make([]byte, 0, len(accountPrefix)+len(accountID))
	b = append(b, accountPrefix...)
	b = append(b, accountID...)
	return b
}

func keyBlock(height int64) []byte {
	return heightLowerBound(blockPrefix, height)
}

func keyTx(txid string) []byte {
	b := make([]byte, 0, len(txPrefix)+len(txid))
	b = append(b, txPrefix...)
	b = append(b, txid...)
	return b
}

func keyTxMined(height int64, txid string) []byte {
	b := heightLowerBound(txMinedPrefix, height)
	b = append(b, '/')
	b = append(b, txid...)
	return b
}

func keyCommitment(position int64) []byte {
	return heightLowerBound(commitmentPrefix, position)
}

func keyCommitmentOutput(txid string, outputIndex int32) []byte {
	b := make([]byte, 0, len(commitmentOutPrefix)+len(txid)+12)
	b = append(b, commitmentOutPrefix...)
	b = append(b, txid...)
	b = append(b, '/')
	b = strconv.AppendInt(b, int64(outputIndex), 10)
	return b
}

func keyCheckpoint(height int64) []byte {
	return heightLowerBound(checkpointPrefix, height)
}

func keyWitnessPositionPrefix(position int64) []byte {
	b := heightLowerBound(witnessPrefix, position)
	b = append(b, '/')
	return b
}

func keyWitness(position, height int64) []byte {
	b := keyWitnessPositionPrefix(position)
	b = append(b, fixed20(uint64(height))...)
	return b
}

func keyWitnessHeightIndex(height, position int64) []byte {
	b := heightLowerBound(witnessHeightPrefix, height)
	b = append(b, '/')
	b = append(b, fixed20(uint64(position))...)
	return b
}

func keyNote(txid string, outputIndex int32) []byte {
	b := make([]byte, 0, len(notePrefix)+len(txid)+12)
	b = append(b, notePrefix...)
	b = append(b, txid...)
	b = append(b, '/')
	b = strconv.AppendInt(b, int64(outputIndex), 10)
	return b
}

func keyNullifier(nullifier string) []byte {
	b := make([]byte, 0, len(nullifierPrefix)+len(nullifier))
	b = append(b, nullifierPrefix...)
	b = append(b, nullifier...)
	return b
}

func keyNotePosition(position int64) []byte {
	return heightLowerBound(notePositionPrefix, position)
}

func keyNoteAccountPrefix(accountID string) []byte {
	b := make([]byte, 0, len(noteAccountPrefix)+len(accountID)+1)
	b = append(b, noteAccountPrefix...)
	b = append(b, accountID...)
	b = append(b, '/')
	return b
}

func keyNoteAccount(accountID, txid string, outputIndex int32) []byte {
	b := keyNoteAccountPrefix(accountID)
	b = append(b, txid...)
	b = append(b, '/')
	b = strconv.AppendInt(b, int64(outputIndex), 10)
	return b
}

func keyNoteLock(lockTxID, txid string, outputIndex int32) []byte {
	b := make([]byte, 0, len(lockPrefix)+len(lockTxID)+len(txid)+14)
	b = append(b, lockPrefix...)
	b = append(b, lockTxID...)
	b = append(b, '/')
	b = append(b, txid...)
	b = append(b, '/')
	b = strconv.AppendInt(b, int64(outputIndex), 10)
	return b
}

func keySpentHeightIndex(height int64, nullifier string) []byte {
	b := heightLowerBound(spentHeightPrefix, height)
	b = append(b, '/')
	b = append(b, nullifier...)
	return b
}

func keySentNoteTxPrefix(txid string) []byte {
	b := make([]byte, 0, len(sentNotePrefix)+len(txid)+1)
	b = append(b, sentNotePrefix...)
	b = append(b, txid...)
	b = append(b, '/')
	return b
}

func keySentNote(txid string, outputIndex int32) []byte {
	b := keySentNoteTxPrefix(txid)
	b = strconv.AppendInt(b, int64(outputIndex), 10)
	return b
}

func keyEventAccountPrefix(accountID string) []byte {
	b := make([]byte, 0, len(eventPrefix)+len(accountID)+1)
	b = append(b, eventPrefix...)
	b = append(b, accountID...)
	b = append(b, '/')
	return b
}

func keyEvent(accountID string, id uint64) []byte {
	b := keyEventAccountPrefix(accountID)
	b = append(b, fixed20(id)...)
	return b
}

func keyEventSeq(accountID string) []byte {
	b := make([]byte, 0, len(eventSeqPrefix)+len(accountID))
	b = append(b, eventSeqPrefix...)
	b = append(b, accountID...)
	return b
}

func keyPublishCursor(accountID string) []byte {
	b := make([]byte, 0, len(publishCursorPrefix)+len(accountID))
	b = append(b, publishCursorPrefix...)
	b = append(b, accountID...)
	return b
}
