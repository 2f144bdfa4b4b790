//go:build mysql

package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/Abdullah1738/juno-vault/internal/store"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("mysql: dsn is required")
	}

	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&myTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mysql: commit: %w", err)
	}
	return nil
}

// querier is the database/sql surface shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const noteColumns = `txid, output_index, account_id, height, position, value_zat, memo_hex, commitment, nullifier, diversifier_index, is_change, spent_height, spent_txid, lock_txid, created_at`

func scanNote(row rowScanner) (store.ReceivedNote, error) {
	var n store.ReceivedNote
	var height, position, spentHeight, divIdx sql.NullInt64
	var memo, spentTxid, lockTxid sql.NullString
	if err := row.Scan(
		&n.TxID,
		&n.OutputIndex,
		&n.AccountID,
		&height,
		&position,
		&n.ValueZat,
		&memo,
		&n.Commitment,
		&n.Nullifier,
		&divIdx,
		&n.Change,
		&spentHeight,
		&spentTxid,
		&lockTxid,
		&n.CreatedAt,
	); err != nil {
		return store.ReceivedNote{}, err
	}
	if height.Valid {
		n.Height = &height.Int64
	}
	if position.Valid {
		n.Position = &position.Int64
	}
	if divIdx.Valid {
		n.DiversifierIndex = uint32(divIdx.Int64)
	}
	if memo.Valid {
		n.MemoHex = &memo.String
	}
	if spentHeight.Valid {
		n.SpentHeight = &spentHeight.Int64
	}
	if spentTxid.Valid {
		n.SpentTxID = &spentTxid.String
	}
	if lockTxid.Valid {
		n.LockTxID = &lockTxid.String
	}
	return n, nil
}

func collectNotes(rows *sql.Rows, queryErr error) ([]store.ReceivedNote, error) {
	if queryErr != nil {
		return nil, queryErr
	}
	defer rows.Close()

	var out []store.ReceivedNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func getNoteIn(ctx context.Context, q querier, txid string, outputIndex int32) (store.ReceivedNote, bool, error) {
	n, err := scanNote(q.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM received_notes WHERE txid=? AND output_index=?`, txid, outputIndex))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ReceivedNote{}, false, nil
		}
		return store.ReceivedNote{}, false, fmt.Errorf("mysql: get note: %w", err)
	}
	return n, true, nil
}

func getTransactionIn(ctx context.Context, q querier, txid string) (store.Transaction, bool, error) {
	txn := store.Transaction{TxID: txid}
	var mined, expiry sql.NullInt64
	var txIdx sql.NullInt32
	if err := q.QueryRowContext(ctx, `
SELECT mined_height, tx_index, expiry_height, raw, created_at
FROM transactions WHERE txid=?
`, txid).Scan(&mined, &txIdx, &expiry, &txn.Raw, &txn.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Transaction{}, false, nil
		}
		return store.Transaction{}, false, fmt.Errorf("mysql: get transaction: %w", err)
	}
	if mined.Valid {
		txn.MinedHeight = &mined.Int64
	}
	if txIdx.Valid {
		txn.TxIndex = &txIdx.Int32
	}
	if expiry.Valid {
		txn.ExpiryHeight = &expiry.Int64
	}
	return txn, true, nil
}

func checkpointAtIn(ctx context.Context, q querier, height int64) (store.Checkpoint, bool, error) {
	cp := store.Checkpoint{Height: height}
	if err := q.QueryRowContext(ctx, `SELECT leaf_count, frontier, root FROM checkpoints WHERE height=?`, height).Scan(&cp.LeafCount, &cp.Frontier, &cp.Root); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Checkpoint{}, false, nil
		}
		return store.Checkpoint{}, false, fmt.Errorf("mysql: checkpoint at %d: %w", height, err)
	}
	return cp, true, nil
}

func witnessAtIn(ctx context.Context, q querier, position, height int64) ([]byte, bool, error) {
	var blob []byte
	if err := q.QueryRowContext(ctx, `SELECT witness FROM witnesses WHERE position=? AND height=?`, position, height).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("mysql: witness %d@%d: %w", position, height, err)
	}
	return blob, true, nil
}

func tipIn(ctx context.Context, q querier) (store.BlockTip, bool, error) {
	var tip store.BlockTip
	if err := q.QueryRowContext(ctx, `SELECT height, hash FROM blocks ORDER BY height DESC LIMIT 1`).Scan(&tip.Height, &tip.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.BlockTip{}, false, nil
		}
		return store.BlockTip{}, false, fmt.Errorf("mysql: tip: %w", err)
	}
	return tip, true, nil
}

func (s *Store) CreateAccount(ctx context.Context, a store.Account) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (account_id, pool_kind, viewing_key)
VALUES (?, ?, ?)
`, a.AccountID, a.PoolKind, a.ViewingKey)
	if err != nil {
		var myErr *driver.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1062 {
			return store.ErrAccountExists
		}
		return fmt.Errorf("mysql: create account: %w", err)
	}
	return nil
}

func scanAccount(row rowScanner) (store.Account, error) {
	var a store.Account
	var cursor int64
	if err := row.Scan(&a.AccountID, &a.PoolKind, &a.ViewingKey, &cursor, &a.CreatedAt); err != nil {
		return store.Account{}, err
	}
	a.DiversifierCursor = uint32(cursor)
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (store.Account, bool, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `
SELECT account_id, pool_kind, viewing_key, diversifier_cursor, created_at
FROM accounts WHERE account_id=?
`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Account{}, false, nil
		}
		return store.Account{}, false, fmt.Errorf("mysql: get account: %w", err)
	}
	return a, true, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]store.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT account_id, pool_kind, viewing_key, diversifier_cursor, created_at
FROM accounts ORDER BY account_id
`)
	if err != nil {
		return nil, fmt.Errorf("mysql: list accounts: %w", err)
	}
	defer rows.Close()

	var out []store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("mysql: list accounts: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: list accounts: %w", err)
	}
	return out, nil
}

func (s *Store) Tip(ctx context.Context) (store.BlockTip, bool, error) {
	return tipIn(ctx, s.db)
}

func (s *Store) HashAtHeight(ctx context.Context, height int64) (string, bool, error) {
	var hash string
	if err := s.db.QueryRowContext(ctx, `SELECT hash FROM blocks WHERE height=?`, height).Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("mysql: hash at height %d: %w", height, err)
	}
	return hash, true, nil
}

func (s *Store) GetTransaction(ctx context.Context, txid string) (store.Transaction, bool, error) {
	return getTransactionIn(ctx, s.db, txid)
}

func (s *Store) CheckpointAt(ctx context.Context, height int64) (store.Checkpoint, bool, error) {
	return checkpointAtIn(ctx, s.db, height)
}

func (s *Store) OldestCheckpointHeight(ctx context.Context) (int64, bool, error) {
	var h sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(height) FROM checkpoints`).Scan(&h); err != nil {
		return 0, false, fmt.Errorf("mysql: oldest checkpoint: %w", err)
	}
	if !h.Valid {
		return 0, false, nil
	}
	return h.Int64, true, nil
}

func (s *Store) WitnessAt(ctx context.Context, position, height int64) ([]byte, bool, error) {
	return witnessAtIn(ctx, s.db, position, height)
}

func (s *Store) GetNote(ctx context.Context, txid string, outputIndex int32) (store.ReceivedNote, bool, error) {
	return getNoteIn(ctx, s.db, txid, outputIndex)
}

func (s *Store) ListNotes(ctx context.Context, accountID string, onlyUnspent bool, limit int) ([]store.ReceivedNote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + noteColumns + ` FROM received_notes WHERE account_id = ?`
	if onlyUnspent {
		query += ` AND spent_txid IS NULL AND lock_txid IS NULL`
	}
	query += ` ORDER BY position IS NULL, position, txid, output_index LIMIT ?`

	out, err := collectNotes(s.db.QueryContext(ctx, query, accountID, limit))
	if err != nil {
		return nil, fmt.Errorf("mysql: list notes: %w", err)
	}
	return out, nil
}

func (s *Store) ListSentNotes(ctx context.Context, txid string) ([]store.SentNote, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT txid, output_index, account_id, recipient, value_zat, memo_hex, created_at
FROM sent_notes WHERE txid=? ORDER BY output_index
`, txid)
	if err != nil {
		return nil, fmt.Errorf("mysql: list sent notes: %w", err)
	}
	defer rows.Close()

	var out []store.SentNote
	for rows.Next() {
		var n store.SentNote
		var memo sql.NullString
		if err := rows.Scan(&n.TxID, &n.OutputIndex, &n.AccountID, &n.Recipient, &n.ValueZat, &memo, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("mysql: list sent notes: %w", err)
		}
		if memo.Valid {
			n.MemoHex = &memo.String
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: list sent notes: %w", err)
	}
	return out, nil
}

const spendableWhere = ` WHERE account_id = ?
  AND position IS NOT NULL AND position < ?
  AND spent_txid IS NULL AND spent_height IS NULL AND lock_txid IS NULL`

func (s *Store) SpendableBalance(ctx context.Context, accountID string, leafLimit int64) (int64, error) {
	var sum int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(value_zat), 0) FROM received_notes`+spendableWhere, accountID, leafLimit).Scan(&sum); err != nil {
		return 0, fmt.Errorf("mysql: spendable balance: %w", err)
	}
	return sum, nil
}

func (s *Store) SelectSpendable(ctx context.Context, accountID string, target, leafLimit int64) ([]store.ReceivedNote, error) {
	candidates, err := collectNotes(s.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM received_notes`+spendableWhere+` ORDER BY position`,
		accountID, leafLimit))
	if err != nil {
		return nil, fmt.Errorf("mysql: select spendable: %w", err)
	}

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
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, height, payload, created_at
FROM events
WHERE account_id = ? AND id > ?
ORDER BY id
LIMIT ?
`, accountID, afterID, limit)
	if err != nil {
		return nil, afterID, fmt.Errorf("mysql: list events: %w", err)
	}
	defer rows.Close()

	var events []store.Event
	nextCursor := afterID
	for rows.Next() {
		var e store.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.Height, &payload, &e.CreatedAt); err != nil {
			return nil, afterID, fmt.Errorf("mysql: list events: %w", err)
		}
		e.AccountID = accountID
		e.Payload = json.RawMessage(payload)
		nextCursor = e.ID
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, afterID, fmt.Errorf("mysql: list events: %w", err)
	}
	return events, nextCursor, nil
}

func (s *Store) AccountEventCursor(ctx context.Context, accountID string) (int64, error) {
	var cursor int64
	if err := s.db.QueryRowContext(ctx, "SELECT `cursor` FROM account_event_cursors WHERE account_id = ?", accountID).Scan(&cursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("mysql: get publish cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SetAccountEventCursor(ctx context.Context, accountID string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO account_event_cursors (account_id, `cursor`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `cursor` = VALUES(`cursor`)", accountID, cursor)
	if err != nil {
		return fmt.Errorf("mysql: set publish cursor: %w", err)
	}
	return nil
}

type myTx struct {
	tx *sql.Tx
}

func (t *myTx) AdvanceDiversifier(ctx context.Context, accountID string) (uint32, error) {
	var cursor int64
	if err := t.tx.QueryRowContext(ctx, `SELECT diversifier_cursor FROM accounts WHERE account_id=? FOR UPDATE`, accountID).Scan(&cursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("mysql: account %q: %w", accountID, store.ErrNotFound)
		}
		return 0, fmt.Errorf("mysql: advance diversifier: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE accounts SET diversifier_cursor = diversifier_cursor + 1 WHERE account_id=?`, accountID); err != nil {
		return 0, fmt.Errorf("mysql: advance diversifier: %w", err)
	}
	return uint32(cursor), nil
}

func (t *myTx) Tip(ctx context.Context) (store.BlockTip, bool, error) {
	return tipIn(ctx, t.tx)
}

func (t *myTx) InsertBlock(ctx context.Context, b store.Block) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT IGNORE INTO blocks (height, hash, prev_hash, time)
VALUES (?, ?, ?, ?)
`, b.Height, b.Hash, b.PrevHash, b.Time)
	if err != nil {
		return fmt.Errorf("mysql: insert block: %w", err)
	}
	return nil
}

func (t *myTx) DeleteBlocksAbove(ctx context.Context, height int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM blocks WHERE height > ?`, height); err != nil {
		return fmt.Errorf("mysql: delete blocks: %w", err)
	}
	return nil
}

func (t *myTx) UpsertTransaction(ctx context.Context, txn store.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO transactions (txid, mined_height, tx_index, expiry_height, raw)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  mined_height = VALUES(mined_height),
  tx_index = VALUES(tx_index),
  expiry_height = COALESCE(VALUES(expiry_height), expiry_height),
  raw = COALESCE(VALUES(raw), raw)
`, txn.TxID, txn.MinedHeight, txn.TxIndex, txn.ExpiryHeight, txn.Raw)
	if err != nil {
		return fmt.Errorf("mysql: upsert transaction: %w", err)
	}
	return nil
}

func (t *myTx) GetTransaction(ctx context.Context, txid string) (store.Transaction, bool, error) {
	return getTransactionIn(ctx, t.tx, txid)
}

func (t *myTx) DemoteTransactionsAbove(ctx context.Context, height int64) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT txid FROM transactions WHERE mined_height > ?`, height)
	if err != nil {
		return nil, fmt.Errorf("mysql: demote transactions: %w", err)
	}
	defer rows.Close()

	var txids []string
	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return nil, fmt.Errorf("mysql: demote transactions: %w", err)
		}
		txids = append(txids, txid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: demote transactions: %w", err)
	}

	if len(txids) > 0 {
		if _, err := t.tx.ExecContext(ctx, `UPDATE transactions SET mined_height = NULL, tx_index = NULL WHERE mined_height > ?`, height); err != nil {
			return nil, fmt.Errorf("mysql: demote transactions: %w", err)
		}
	}
	return txids, nil
}

func (t *myTx) InsertCommitment(ctx context.Context, c store.Commitment) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT IGNORE INTO commitments (position, height, txid, output_index, commitment)
VALUES (?, ?, ?, ?, ?)
`, c.Position, c.Height, c.TxID, c.OutputIndex, c.Commitment)
	if err != nil {
		return fmt.Errorf("mysql: insert commitment: %w", err)
	}
	return nil
}

func (t *myTx) GetCommitmentByOutput(ctx context.Context, txid string, outputIndex int32) (store.Commitment, bool, error) {
	var c store.Commitment
	if err := t.tx.QueryRowContext(ctx, `
SELECT position, height, txid, output_index, commitment
FROM commitments WHERE txid=? AND output_index=?
`, txid, outputIndex).Scan(&c.Position, &c.Height, &c.TxID, &c.OutputIndex, &c.Commitment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Commitment{}, false, nil
		}
		return store.Commitment{}, false, fmt.Errorf("mysql: commitment by output: %w", err)
	}
	return c, true, nil
}

func (t *myTx) ListCommitments(ctx context.Context, from, to int64) ([]store.Commitment, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT position, height, txid, output_index, commitment
FROM commitments
WHERE position >= ? AND position < ?
ORDER BY position
`, from, to)
	if err != nil {
		return nil, fmt.Errorf("mysql: list commitments: %w", err)
	}
	defer rows.Close()

	var out []store.Commitment
	for rows.Next() {
		var c store.Commitment
		if err := rows.Scan(&c.Position, &c.Height, &c.TxID, &c.OutputIndex, &c.Commitment); err != nil {
			return nil, fmt.Errorf("mysql: list commitments: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: list commitments: %w", err)
	}
	return out, nil
}

func (t *myTx) DeleteCommitmentsFrom(ctx context.Context, position int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM commitments WHERE position >= ?`, position); err != nil {
		return fmt.Errorf("mysql: delete commitments: %w", err)
	}
	return nil
}

func (t *myTx) PutCheckpoint(ctx context.Context, c store.Checkpoint) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO checkpoints (height, leaf_count, frontier, root)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  leaf_count = VALUES(leaf_count),
  frontier = VALUES(frontier),
  root = VALUES(root)
`, c.Height, c.LeafCount, c.Frontier, c.Root)
	if err != nil {
		return fmt.Errorf("mysql: put checkpoint: %w", err)
	}
	return nil
}

func (t *myTx) GetCheckpoint(ctx context.Context, height int64) (store.Checkpoint, bool, error) {
	return checkpointAtIn(ctx, t.tx, height)
}

func (t *myTx) ListCheckpoints(ctx context.Context) ([]store.Checkpoint, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT height, leaf_count, frontier, root FROM checkpoints ORDER BY height`)
	if err != nil {
		return nil, fmt.Errorf("mysql: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []store.Checkpoint
	for rows.Next() {
		var c store.Checkpoint
		if err := rows.Scan(&c.Height, &c.LeafCount, &c.Frontier, &c.Root); err != nil {
			return nil, fmt.Errorf("mysql: list checkpoints: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: list checkpoints: %w", err)
	}
	return out, nil
}

func (t *myTx) DeleteCheckpointsAbove(ctx context.Context, height int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE height > ?`, height); err != nil {
		return fmt.Errorf("mysql: delete checkpoints above: %w", err)
	}
	return nil
}

func (t *myTx) DeleteCheckpointsBelow(ctx context.Context, height int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE height < ?`, height); err != nil {
		return fmt.Errorf("mysql: delete checkpoints below: %w", err)
	}
	return nil
}

func (t *myTx) PutWitness(ctx context.Context, position, height int64, witness []byte) error {
	if len(witness) == 0 {
		return errors.New("mysql: empty witness")
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO witnesses (position, height, witness)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE witness = VALUES(witness)
`, position, height, witness)
	if err != nil {
		return fmt.Errorf("mysql: put witness: %w", err)
	}
	return nil
}

func (t *myTx) WitnessAt(ctx context.Context, position, height int64) ([]byte, bool, error) {
	return witnessAtIn(ctx, t.tx, position, height)
}

func (t *myTx) ListWitnessesAt(ctx context.Context, height int64) ([]store.WitnessRow, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT position, height, witness FROM witnesses WHERE height=? ORDER BY position
`, height)
	if err != nil {
		return nil, fmt.Errorf("mysql: list witnesses: %w", err)
	}
	defer rows.Close()

	var out []store.WitnessRow
	for rows.Next() {
		var w store.WitnessRow
		if err := rows.Scan(&w.Position, &w.Height, &w.Witness); err != nil {
			return nil, fmt.Errorf("mysql: list witnesses: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: list witnesses: %w", err)
	}
	return out, nil
}

func (t *myTx) NewestWitnessHeight(ctx context.Context, position int64) (int64, bool, error) {
	var h sql.NullInt64
	if err := t.tx.QueryRowContext(ctx, `SELECT MAX(height) FROM witnesses WHERE position=?`, position).Scan(&h); err != nil {
		return 0, false, fmt.Errorf("mysql: newest witness: %w", err)
	}
	if !h.Valid {
		return 0, false, nil
	}
	return h.Int64, true, nil
}

func (t *myTx) DeleteWitnessesAbove(ctx context.Context, height int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM witnesses WHERE height > ?`, height); err != nil {
		return fmt.Errorf("mysql: delete witnesses above: %w", err)
	}
	return nil
}

func (t *myTx) DeleteWitnessesBelow(ctx context.Context, height int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM witnesses WHERE height < ?`, height); err != nil {
		return fmt.Errorf("mysql: delete witnesses below: %w", err)
	}
	return nil
}

func (t *myTx) InsertNote(ctx context.Context, n store.ReceivedNote) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT IGNORE INTO received_notes (
  txid, output_index, account_id, height, position, value_zat, memo_hex,
  commitment, nullifier, diversifier_index, is_change, spent_height, spent_txid, lock_txid
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, n.TxID, n.OutputIndex, n.AccountID, n.Height, n.Position, n.ValueZat, n.MemoHex,
		n.Commitment, n.Nullifier, int64(n.DiversifierIndex), n.Change, n.SpentHeight, n.SpentTxID, n.LockTxID)
	if err != nil {
		return fmt.Errorf("mysql: insert note: %w", err)
	}
	return nil
}

func (t *myTx) GetNote(ctx context.Context, txid string, outputIndex int32) (store.ReceivedNote, bool, error) {
	return getNoteIn(ctx, t.tx, txid, outputIndex)
}

func (t *myTx) GetNoteByNullifier(ctx context.Context, nullifier string) (store.ReceivedNote, bool, error) {
	n, err := scanNote(t.tx.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM received_notes WHERE nullifier=?`, nullifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ReceivedNote{}, false, nil
		}
		return store.ReceivedNote{}, false, fmt.Errorf("mysql: note by nullifier: %w", err)
	}
	return n, true, nil
}

func (t *myTx) GetNoteByPosition(ctx context.Context, position int64) (store.ReceivedNote, bool, error) {
	n, err := scanNote(t.tx.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM received_notes WHERE position=?`, position))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ReceivedNote{}, false, nil
		}
		return store.ReceivedNote{}, false, fmt.Errorf("mysql: note by position: %w", err)
	}
	return n, true, nil
}

func (t *myTx) BindNotePosition(ctx context.Context, txid string, outputIndex int32, height, position int64) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE received_notes SET height = ?, position = ? WHERE txid=? AND output_index=?
`, height, position, txid, outputIndex)
	if err != nil {
		return fmt.Errorf("mysql: bind note position: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysql: bind note position: %w", err)
	}
	if affected == 0 {
		if _, ok, err := getNoteIn(ctx, t.tx, txid, outputIndex); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("mysql: note %s/%d: %w", txid, outputIndex, store.ErrNotFound)
		}
	}
	return nil
}

func (t *myTx) SetNoteLock(ctx context.Context, txid string, outputIndex int32, lockTxID *string) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE received_notes SET lock_txid = ? WHERE txid=? AND output_index=?
`, lockTxID, txid, outputIndex)
	if err != nil {
		return fmt.Errorf("mysql: set note lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysql: set note lock: %w", err)
	}
	if affected == 0 {
		// MySQL reports zero rows for no-op updates too, so distinguish
		// a missing note from an unchanged lock.
		if _, ok, err := getNoteIn(ctx, t.tx, txid, outputIndex); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("mysql: note %s/%d: %w", txid, outputIndex, store.ErrNotFound)
		}
	}
	return nil
}

func (t *myTx) MarkNoteSpent(ctx context.Context, nullifier string, height int64, spentTxID string) (store.ReceivedNote, error) {
	n, ok, err := t.GetNoteByNullifier(ctx, nullifier)
	if err != nil {
		return store.ReceivedNote{}, err
	}
	if !ok {
		return store.ReceivedNote{}, fmt.Errorf("mysql: nullifier %s: %w", nullifier, store.ErrNotFound)
	}

	if _, err := t.tx.ExecContext(ctx, `
UPDATE received_notes
SET spent_height = ?, spent_txid = ?, lock_txid = NULL
WHERE nullifier = ?
`, height, spentTxID, nullifier); err != nil {
		return store.ReceivedNote{}, fmt.Errorf("mysql: mark note spent: %w", err)
	}

	n.SpentHeight = &height
	n.SpentTxID = &spentTxID
	n.LockTxID = nil
	return n, nil
}

func (t *myTx) RevertSpendsAbove(ctx context.Context, height int64) ([]store.ReceivedNote, error) {
	// A spend by one of the wallet's own transactions (raw bytes on file)
	// reverts to a lock held by the now unmined spender; an observed spend
	// reverts to spendable. lock_txid is assigned first so it reads the
	// pre-update spent_txid.
	notes, err := collectNotes(t.tx.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM received_notes WHERE spent_height > ?`, height))
	if err != nil {
		return nil, fmt.Errorf("mysql: revert spends: %w", err)
	}
	if len(notes) == 0 {
		return nil, nil
	}

	if _, err := t.tx.ExecContext(ctx, `
UPDATE received_notes rn
LEFT JOIN transactions tr ON tr.txid = rn.spent_txid
SET rn.lock_txid = IF(tr.raw IS NOT NULL AND LENGTH(tr.raw) > 0, rn.spent_txid, NULL),
    rn.spent_height = NULL,
    rn.spent_txid = NULL
WHERE rn.spent_height > ?
`, height); err != nil {
		return nil, fmt.Errorf("mysql: revert spends: %w", err)
	}
	return notes, nil
}

func (t *myTx) ReleaseExpiredLocks(ctx context.Context, height int64) ([]store.ReceivedNote, error) {
	notes, err := collectNotes(t.tx.QueryContext(ctx, `
SELECT `+prefixNoteColumns("rn")+`
FROM received_notes rn
JOIN transactions tr ON rn.lock_txid = tr.txid
WHERE tr.mined_height IS NULL AND tr.expiry_height IS NOT NULL AND tr.expiry_height < ?
`, height))
	if err != nil {
		return nil, fmt.Errorf("mysql: release expired locks: %w", err)
	}
	if len(notes) == 0 {
		return nil, nil
	}

	if _, err := t.tx.ExecContext(ctx, `
UPDATE received_notes rn
JOIN transactions tr ON rn.lock_txid = tr.txid
SET rn.lock_txid = NULL
WHERE tr.mined_height IS NULL AND tr.expiry_height IS NOT NULL AND tr.expiry_height < ?
`, height); err != nil {
		return nil, fmt.Errorf("mysql: release expired locks: %w", err)
	}
	return notes, nil
}

func (t *myTx) DeleteNotesFromPosition(ctx context.Context, position int64) ([]store.ReceivedNote, error) {
	notes, err := collectNotes(t.tx.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM received_notes WHERE position >= ?`, position))
	if err != nil {
		return nil, fmt.Errorf("mysql: delete notes from position: %w", err)
	}
	if len(notes) == 0 {
		return nil, nil
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM received_notes WHERE position >= ?`, position); err != nil {
		return nil, fmt.Errorf("mysql: delete notes from position: %w", err)
	}
	return notes, nil
}

func (t *myTx) ListLiveNotes(ctx context.Context, spentAbove int64) ([]store.ReceivedNote, error) {
	out, err := collectNotes(t.tx.QueryContext(ctx, `
SELECT `+noteColumns+` FROM received_notes
WHERE position IS NOT NULL AND (spent_height IS NULL OR spent_height > ?)
ORDER BY position
`, spentAbove))
	if err != nil {
		return nil, fmt.Errorf("mysql: list live notes: %w", err)
	}
	return out, nil
}

func (t *myTx) InsertSentNote(ctx context.Context, n store.SentNote) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT IGNORE INTO sent_notes (txid, output_index, account_id, recipient, value_zat, memo_hex)
VALUES (?, ?, ?, ?, ?, ?)
`, n.TxID, n.OutputIndex, n.AccountID, n.Recipient, n.ValueZat, n.MemoHex)
	if err != nil {
		return fmt.Errorf("mysql: insert sent note: %w", err)
	}
	return nil
}

func (t *myTx) InsertEvent(ctx context.Context, e store.Event) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO events (kind, account_id, height, payload)
VALUES (?, ?, ?, ?)
`, e.Kind, e.AccountID, e.Height, string(e.Payload))
	if err != nil {
		return fmt.Errorf("mysql: insert event: %w", err)
	}
	return nil
}

func prefixNoteColumns(alias string) string {
	cols := strings.Split(noteColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
