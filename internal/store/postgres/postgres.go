package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abdullah1738/juno-vault/internal/db/migrate"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, schema string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	if strings.TrimSpace(schema) == "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: connect: %w", err)
		}
		return &Store{pool: pool}, nil
	}

	adminConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := adminConn.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		_ = adminConn.Close(ctx)
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	_ = adminConn.Close(ctx)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse: %w", err)
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return migrate.Apply(ctx, s.pool)
}

func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// querier is the slice of the pgx surface shared by *pgxpool.Pool and
// pgx.Tx, so lookups work the same inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const noteColumns = `txid, output_index, account_id, height, position, value_zat, memo_hex, commitment, nullifier, diversifier_index, is_change, spent_height, spent_txid, lock_txid, created_at`

func scanNote(row pgx.Row) (store.ReceivedNote, error) {
	var n store.ReceivedNote
	var divIdx int64
	if err := row.Scan(
		&n.TxID,
		&n.OutputIndex,
		&n.AccountID,
		&n.Height,
		&n.Position,
		&n.ValueZat,
		&n.MemoHex,
		&n.Commitment,
		&n.Nullifier,
		&divIdx,
		&n.Change,
		&n.SpentHeight,
		&n.SpentTxID,
		&n.LockTxID,
		&n.CreatedAt,
	); err != nil {
		return store.ReceivedNote{}, err
	}
	n.DiversifierIndex = uint32(divIdx)
	return n, nil
}

func collectNotes(rows pgx.Rows, queryErr error) ([]store.ReceivedNote, error) {
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
	n, err := scanNote(q.QueryRow(ctx, `SELECT `+noteColumns+` FROM received_notes WHERE txid=$1 AND output_index=$2`, txid, outputIndex))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ReceivedNote{}, false, nil
		}
		return store.ReceivedNote{}, false, fmt.Errorf("postgres: get note: %w", err)
	}
	return n, true, nil
}

func getTransactionIn(ctx context.Context, q querier, txid string) (store.Transaction, bool, error) {
	txn := store.Transaction{TxID: txid}
	if err := q.QueryRow(ctx, `
SELECT mined_height, tx_index, expiry_height, raw, created_at
FROM transactions WHERE txid=$1
`, txid).Scan(&txn.MinedHeight, &txn.TxIndex, &txn.ExpiryHeight, &txn.Raw, &txn.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Transaction{}, false, nil
		}
		return store.Transaction{}, false, fmt.Errorf("postgres: get transaction: %w", err)
	}
	return txn, true, nil
}

func checkpointAtIn(ctx context.Context, q querier, height int64) (store.Checkpoint, bool, error) {
	cp := store.Checkpoint{Height: height}
	if err := q.QueryRow(ctx, `SELECT leaf_count, frontier, root FROM checkpoints WHERE height=$1`, height).Scan(&cp.LeafCount, &cp.Frontier, &cp.Root); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Checkpoint{}, false, nil
		}
		return store.Checkpoint{}, false, fmt.Errorf("postgres: checkpoint at %d: %w", height, err)
	}
	return cp, true, nil
}

func witnessAtIn(ctx context.Context, q querier, position, height int64) ([]byte, bool, error) {
	var blob []byte
	if err := q.QueryRow(ctx, `SELECT witness FROM witnesses WHERE position=$1 AND height=$2`, position, height).Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres: witness %d@%d: %w", position, height, err)
	}
	return blob, true, nil
}

func tipIn(ctx context.Context, q querier) (store.BlockTip, bool, error) {
	var tip store.BlockTip
	if err := q.QueryRow(ctx, `SELECT height, hash FROM blocks ORDER BY height DESC LIMIT 1`).Scan(&tip.Height, &tip.Hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.BlockTip{}, false, nil
		}
		return store.BlockTip{}, false, fmt.Errorf("postgres: tip: %w", err)
	}
	return tip, true, nil
}

func (s *Store) CreateAccount(ctx context.Context, a store.Account) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO accounts (account_id, pool_kind, viewing_key)
VALUES ($1, $2, $3)
`, a.AccountID, a.PoolKind, a.ViewingKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrAccountExists
		}
		return fmt.Errorf("postgres: create account: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (store.Account, error) {
	var a store.Account
	var cursor int64
	if err := row.Scan(&a.AccountID, &a.PoolKind, &a.ViewingKey, &cursor, &a.CreatedAt); err != nil {
		return store.Account{}, err
	}
	a.DiversifierCursor = uint32(cursor)
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (store.Account, bool, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `
SELECT account_id, pool_kind, viewing_key, diversifier_cursor, created_at
FROM accounts WHERE account_id=$1
`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Account{}, false, nil
		}
		return store.Account{}, false, fmt.Errorf("postgres: get account: %w", err)
	}
	return a, true, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]store.Account, error) {
	rows, err := s.pool.Query(ctx, `
SELECT account_id, pool_kind, viewing_key, diversifier_cursor, created_at
FROM accounts ORDER BY account_id
`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var out []store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list accounts: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	return out, nil
}

func (s *Store) Tip(ctx context.Context) (store.BlockTip, bool, error) {
	return tipIn(ctx, s.pool)
}

func (s *Store) HashAtHeight(ctx context.Context, height int64) (string, bool, error) {
	var hash string
	if err := s.pool.QueryRow(ctx, `SELECT hash FROM blocks WHERE height=$1`, height).Scan(&hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("postgres: hash at height %d: %w", height, err)
	}
	return hash, true, nil
}

func (s *Store) GetTransaction(ctx context.Context, txid string) (store.Transaction, bool, error) {
	return getTransactionIn(ctx, s.pool, txid)
}

func (s *Store) CheckpointAt(ctx context.Context, height int64) (store.Checkpoint, bool, error) {
	return checkpointAtIn(ctx, s.pool, height)
}

func (s *Store) OldestCheckpointHeight(ctx context.Context) (int64, bool, error) {
	var h sql.NullInt64
	if err := s.pool.QueryRow(ctx, `SELECT MIN(height) FROM checkpoints`).Scan(&h); err != nil {
		return 0, false, fmt.Errorf("postgres: oldest checkpoint: %w", err)
	}
	if !h.Valid {
		return 0, false, nil
	}
	return h.Int64, true, nil
}

func (s *Store) WitnessAt(ctx context.Context, position, height int64) ([]byte, bool, error) {
	return witnessAtIn(ctx, s.pool, position, height)
}

func (s *Store) GetNote(ctx context.Context, txid string, outputIndex int32) (store.ReceivedNote, bool, error) {
	return getNoteIn(ctx, s.pool, txid, outputIndex)
}

func (s *Store) ListNotes(ctx context.Context, accountID string, onlyUnspent bool, limit int) ([]store.ReceivedNote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + noteColumns + ` FROM received_notes WHERE account_id = $1`
	if onlyUnspent {
		query += ` AND spent_txid IS NULL AND lock_txid IS NULL`
	}
	query += ` ORDER BY position NULLS LAST, txid, output_index LIMIT $2`

	out, err := collectNotes(s.pool.Query(ctx, query, accountID, limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list notes: %w", err)
	}
	return out, nil
}

func (s *Store) ListSentNotes(ctx context.Context, txid string) ([]store.SentNote, error) {
	rows, err := s.pool.Query(ctx, `
SELECT txid, output_index, account_id, recipient, value_zat, memo_hex, created_at
FROM sent_notes WHERE txid=$1 ORDER BY output_index
`, txid)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sent notes: %w", err)
	}
	defer rows.Close()

	var out []store.SentNote
	for rows.Next() {
		var n store.SentNote
		if err := rows.Scan(&n.TxID, &n.OutputIndex, &n.AccountID, &n.Recipient, &n.ValueZat, &n.MemoHex, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: list sent notes: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sent notes: %w", err)
	}
	return out, nil
}

const spendableWhere = ` WHERE account_id = $1
  AND position IS NOT NULL AND position < $2
  AND spent_txid IS NULL AND spent_height IS NULL AND lock_txid IS NULL`

func (s *Store) SpendableBalance(ctx context.Context, accountID string, leafLimit int64) (int64, error) {
	var sum int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(value_zat), 0) FROM received_notes`+spendableWhere, accountID, leafLimit).Scan(&sum); err != nil {
		return 0, fmt.Errorf("postgres: spendable balance: %w", err)
	}
	return sum, nil
}

func (s *Store) SelectSpendable(ctx context.Context, accountID string, target, leafLimit int64) ([]store.ReceivedNote, error) {
	candidates, err := collectNotes(s.pool.Query(ctx,
		`SELECT `+noteColumns+` FROM received_notes`+spendableWhere+` ORDER BY position`,
		accountID, leafLimit))
	if err != nil {
		return nil, fmt.Errorf("postgres: select spendable: %w", err)
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

	rows, err := s.pool.Query(ctx, `
SELECT id, kind, height, payload, created_at
FROM events
WHERE account_id = $1 AND id > $2
ORDER BY id
LIMIT $3
`, accountID, afterID, limit)
	if err != nil {
		return nil, afterID, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []store.Event
	nextCursor := afterID
	for rows.Next() {
		var e store.Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Height, &e.Payload, &e.CreatedAt); err != nil {
			return nil, afterID, fmt.Errorf("postgres: list events: %w", err)
		}
		e.AccountID = accountID
		nextCursor = e.ID
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, afterID, fmt.Errorf("postgres: list events: %w", err)
	}
	return events, nextCursor, nil
}

func (s *Store) AccountEventCursor(ctx context.Context, accountID string) (int64, error) {
	var cursor int64
	if err := s.pool.QueryRow(ctx, `SELECT cursor FROM account_event_cursors WHERE account_id = $1`, accountID).Scan(&cursor); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: get publish cursor: %w", err)
	}
	return cursor, nil
}

func (s *Store) SetAccountEventCursor(ctx context.Context, accountID string, cursor int64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO account_event_cursors (account_id, cursor)
VALUES ($1, $2)
ON CONFLICT (account_id)
DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()
`, accountID, cursor)
	if err != nil {
		return fmt.Errorf("postgres: set publish cursor: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AdvanceDiversifier(ctx context.Context, accountID string) (uint32, error) {
	var used int64
	err := t.tx.QueryRow(ctx, `
UPDATE accounts SET diversifier_cursor = diversifier_cursor + 1
WHERE account_id = $1
RETURNING diversifier_cursor - 1
`, accountID).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("postgres: account %q: %w", accountID, store.ErrNotFound)
		}
		return 0, fmt.Errorf("postgres: advance diversifier: %w", err)
	}
	return uint32(used), nil
}

func (t *pgTx) Tip(ctx context.Context) (store.BlockTip, bool, error) {
	return tipIn(ctx, t.tx)
}

func (t *pgTx) InsertBlock(ctx context.Context, b store.Block) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO blocks (height, hash, prev_hash, time)
VALUES ($1, $2, $3, $4)
ON CONFLICT (height) DO NOTHING
`, b.Height, b.Hash, b.PrevHash, b.Time)
	if err != nil {
		return fmt.Errorf("postgres: insert block: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteBlocksAbove(ctx context.Context, height int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM blocks WHERE height > $1`, height); err != nil {
		return fmt.Errorf("postgres: delete blocks: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertTransaction(ctx context.Context, txn store.Transaction) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO transactions (txid, mined_height, tx_index, expiry_height, raw)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (txid) DO UPDATE SET
  mined_height = EXCLUDED.mined_height,
  tx_index = EXCLUDED.tx_index,
  expiry_height = COALESCE(EXCLUDED.expiry_height, transactions.expiry_height),
  raw = COALESCE(EXCLUDED.raw, transactions.raw)
`, txn.TxID, txn.MinedHeight, txn.TxIndex, txn.ExpiryHeight, txn.Raw)
	if err != nil {
		return fmt.Errorf("postgres: upsert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) GetTransaction(ctx context.Context, txid string) (store.Transaction, bool, error) {
	return getTransactionIn(ctx, t.tx, txid)
}

func (t *pgTx) DemoteTransactionsAbove(ctx context.Context, height int64) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
UPDATE transactions SET mined_height = NULL, tx_index = NULL
WHERE mined_height > $1
RETURNING txid
`, height)
	if err != nil {
		return nil, fmt.Errorf("postgres: demote transactions: %w", err)
	}
	defer rows.Close()

	var txids []string
	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return nil, fmt.Errorf("postgres: demote transactions: %w", err)
		}
		txids = append(txids, txid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: demote transactions: %w", err)
	}
	return txids, nil
}

func (t *pgTx) InsertCommitment(ctx context.Context, c store.Commitment) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO commitments (position, height, txid, output_index, commitment)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (position) DO NOTHING
`, c.Position, c.Height, c.TxID, c.OutputIndex, c.Commitment)
	if err != nil {
		return fmt.Errorf("postgres: insert commitment: %w", err)
	}
	return nil
}

func (t *pgTx) GetCommitmentByOutput(ctx context.Context, txid string, outputIndex int32) (store.Commitment, bool, error) {
	var c store.Commitment
	if err := t.tx.QueryRow(ctx, `
SELECT position, height, txid, output_index, commitment
FROM commitments WHERE txid=$1 AND output_index=$2
`, txid, outputIndex).Scan(&c.Position, &c.Height, &c.TxID, &c.OutputIndex, &c.Commitment); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Commitment{}, false, nil
		}
		return store.Commitment{}, false, fmt.Errorf("postgres: commitment by output: %w", err)
	}
	return c, true, nil
}

func (t *pgTx) ListCommitments(ctx context.Context, from, to int64) ([]store.Commitment, error) {
	rows, err := t.tx.Query(ctx, `
SELECT position, height, txid, output_index, commitment
FROM commitments
WHERE position >= $1 AND position < $2
ORDER BY position
`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list commitments: %w", err)
	}
	defer rows.Close()

	var out []store.Commitment
	for rows.Next() {
		var c store.Commitment
		if err := rows.Scan(&c.Position, &c.Height, &c.TxID, &c.OutputIndex, &c.Commitment); err != nil {
			return nil, fmt.Errorf("postgres: list commitments: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list commitments: %w", err)
	}
	return out, nil
}

func (t *pgTx) DeleteCommitmentsFrom(ctx context.Context, position int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM commitments WHERE position >= $1`, position); err != nil {
		return fmt.Errorf("postgres: delete commitments: %w", err)
	}
	return nil
}

func (t *pgTx) PutCheckpoint(ctx context.Context, c store.Checkpoint) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO checkpoints (height, leaf_count, frontier, root)
VALUES ($1, $2, $3, $4)
ON CONFLICT (height) DO UPDATE SET
  leaf_count = EXCLUDED.leaf_count,
  frontier = EXCLUDED.frontier,
  root = EXCLUDED.root
`, c.Height, c.LeafCount, c.Frontier, c.Root)
	if err != nil {
		return fmt.Errorf("postgres: put checkpoint: %w", err)
	}
	return nil
}

func (t *pgTx) GetCheckpoint(ctx context.Context, height int64) (store.Checkpoint, bool, error) {
	return checkpointAtIn(ctx, t.tx, height)
}

func (t *pgTx) ListCheckpoints(ctx context.Context) ([]store.Checkpoint, error) {
	rows, err := t.tx.Query(ctx, `SELECT height, leaf_count, frontier, root FROM checkpoints ORDER BY height`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []store.Checkpoint
	for rows.Next() {
		var c store.Checkpoint
		if err := rows.Scan(&c.Height, &c.LeafCount, &c.Frontier, &c.Root); err != nil {
			return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
	}
	return out, nil
}

func (t *pgTx) DeleteCheckpointsAbove(ctx context.Context, height int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM checkpoints WHERE height > $1`, height); err != nil {
		return fmt.Errorf("postgres: delete checkpoints above: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteCheckpointsBelow(ctx context.Context, height int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM checkpoints WHERE height < $1`, height); err != nil {
		return fmt.Errorf("postgres: delete checkpoints below: %w", err)
	}
	return nil
}

func (t *pgTx) PutWitness(ctx context.Context, position, height int64, witness []byte) error {
	if len(witness) == 0 {
		return errors.New("postgres: empty witness")
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO witnesses (position, height, witness)
VALUES ($1, $2, $3)
ON CONFLICT (position, height) DO UPDATE SET witness = EXCLUDED.witness
`, position, height, witness)
	if err != nil {
		return fmt.Errorf("postgres: put witness: %w", err)
	}
	return nil
}

func (t *pgTx) WitnessAt(ctx context.Context, position, height int64) ([]byte, bool, error) {
	return witnessAtIn(ctx, t.tx, position, height)
}

func (t *pgTx) ListWitnessesAt(ctx context.Context, height int64) ([]store.WitnessRow, error) {
	rows, err := t.tx.Query(ctx, `
SELECT position, height, witness FROM witnesses WHERE height=$1 ORDER BY position
`, height)
	if err != nil {
		return nil, fmt.Errorf("postgres: list witnesses: %w", err)
	}
	defer rows.Close()

	var out []store.WitnessRow
	for rows.Next() {
		var w store.WitnessRow
		if err := rows.Scan(&w.Position, &w.Height, &w.Witness); err != nil {
			return nil, fmt.Errorf("postgres: list witnesses: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list witnesses: %w", err)
	}
	return out, nil
}

func (t *pgTx) NewestWitnessHeight(ctx context.Context, position int64) (int64, bool, error) {
	var h sql.NullInt64
	if err := t.tx.QueryRow(ctx, `SELECT MAX(height) FROM witnesses WHERE position=$1`, position).Scan(&h); err != nil {
		return 0, false, fmt.Errorf("postgres: newest witness: %w", err)
	}
	if !h.Valid {
		return 0, false, nil
	}
	return h.Int64, true, nil
}

func (t *pgTx) DeleteWitnessesAbove(ctx context.Context, height int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM witnesses WHERE height > $1`, height); err != nil {
		return fmt.Errorf("postgres: delete witnesses above: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteWitnessesBelow(ctx context.Context, height int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM witnesses WHERE height < $1`, height); err != nil {
		return fmt.Errorf("postgres: delete witnesses below: %w", err)
	}
	return nil
}

func (t *pgTx) InsertNote(ctx context.Context, n store.ReceivedNote) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO received_notes (
  txid, output_index, account_id, height, position, value_zat, memo_hex,
  commitment, nullifier, diversifier_index, is_change, spent_height, spent_txid, lock_txid
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (txid, output_index) DO NOTHING
`, n.TxID, n.OutputIndex, n.AccountID, n.Height, n.Position, n.ValueZat, n.MemoHex,
		n.Commitment, n.Nullifier, int64(n.DiversifierIndex), n.Change, n.SpentHeight, n.SpentTxID, n.LockTxID)
	if err != nil {
		return fmt.Errorf("postgres: insert note: %w", err)
	}
	return nil
}

func (t *pgTx) GetNote(ctx context.Context, txid string, outputIndex int32) (store.ReceivedNote, bool, error) {
	return getNoteIn(ctx, t.tx, txid, outputIndex)
}

func (t *pgTx) GetNoteByNullifier(ctx context.Context, nullifier string) (store.ReceivedNote, bool, error) {
	n, err := scanNote(t.tx.QueryRow(ctx, `SELECT `+noteColumns+` FROM received_notes WHERE nullifier=$1`, nullifier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ReceivedNote{}, false, nil
		}
		return store.ReceivedNote{}, false, fmt.Errorf("postgres: note by nullifier: %w", err)
	}
	return n, true, nil
}

func (t *pgTx) GetNoteByPosition(ctx context.Context, position int64) (store.ReceivedNote, bool, error) {
	n, err := scanNote(t.tx.QueryRow(ctx, `SELECT `+noteColumns+` FROM received_notes WHERE position=$1`, position))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ReceivedNote{}, false, nil
		}
		return store.ReceivedNote{}, false, fmt.Errorf("postgres: note by position: %w", err)
	}
	return n, true, nil
}

func (t *pgTx) BindNotePosition(ctx context.Context, txid string, outputIndex int32, height, position int64) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE received_notes SET height = $3, position = $4 WHERE txid=$1 AND output_index=$2
`, txid, outputIndex, height, position)
	if err != nil {
		return fmt.Errorf("postgres: bind note position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: note %s/%d: %w", txid, outputIndex, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) SetNoteLock(ctx context.Context, txid string, outputIndex int32, lockTxID *string) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE received_notes SET lock_txid = $3 WHERE txid=$1 AND output_index=$2
`, txid, outputIndex, lockTxID)
	if err != nil {
		return fmt.Errorf("postgres: set note lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: note %s/%d: %w", txid, outputIndex, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) MarkNoteSpent(ctx context.Context, nullifier string, height int64, spentTxID string) (store.ReceivedNote, error) {
	n, err := scanNote(t.tx.QueryRow(ctx, `
UPDATE received_notes
SET spent_height = $2, spent_txid = $3, lock_txid = NULL
WHERE nullifier = $1
RETURNING `+noteColumns, nullifier, height, spentTxID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ReceivedNote{}, fmt.Errorf("postgres: nullifier %s: %w", nullifier, store.ErrNotFound)
		}
		return store.ReceivedNote{}, fmt.Errorf("postgres: mark note spent: %w", err)
	}
	return n, nil
}

func (t *pgTx) RevertSpendsAbove(ctx context.Context, height int64) ([]store.ReceivedNote, error) {
	// A spend by one of the wallet's own transactions (raw bytes on file)
	// reverts to a lock held by the now unmined spender; an observed spend
	// reverts to spendable.
	out, err := collectNotes(t.tx.Query(ctx,
		`SELECT `+noteColumns+` FROM received_notes WHERE spent_height > $1`, height))
	if err != nil {
		return nil, fmt.Errorf("postgres: revert spends: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	if _, err := t.tx.Exec(ctx, `
UPDATE received_notes rn
SET lock_txid = CASE WHEN length(t.raw) > 0 THEN x.spent_txid END,
    spent_height = NULL,
    spent_txid = NULL
FROM received_notes x
LEFT JOIN transactions t ON t.txid = x.spent_txid
WHERE rn.txid = x.txid AND rn.output_index = x.output_index AND x.spent_height > $1
`, height); err != nil {
		return nil, fmt.Errorf("postgres: revert spends: %w", err)
	}
	return out, nil
}

func (t *pgTx) ReleaseExpiredLocks(ctx context.Context, height int64) ([]store.ReceivedNote, error) {
	// The joined t.txid is the lock being released; returning it in the
	// lock_txid slot reports the pre-release state.
	out, err := collectNotes(t.tx.Query(ctx, `
UPDATE received_notes rn
SET lock_txid = NULL
FROM transactions t
WHERE rn.lock_txid = t.txid
  AND t.mined_height IS NULL
  AND t.expiry_height IS NOT NULL
  AND t.expiry_height < $1
RETURNING rn.txid, rn.output_index, rn.account_id, rn.height, rn.position, rn.value_zat, rn.memo_hex, rn.commitment, rn.nullifier, rn.diversifier_index, rn.is_change, rn.spent_height, rn.spent_txid, t.txid, rn.created_at
`, height))
	if err != nil {
		return nil, fmt.Errorf("postgres: release expired locks: %w", err)
	}
	return out, nil
}

func (t *pgTx) DeleteNotesFromPosition(ctx context.Context, position int64) ([]store.ReceivedNote, error) {
	out, err := collectNotes(t.tx.Query(ctx, `
DELETE FROM received_notes WHERE position >= $1 RETURNING `+noteColumns, position))
	if err != nil {
		return nil, fmt.Errorf("postgres: delete notes from position: %w", err)
	}
	return out, nil
}

func (t *pgTx) ListLiveNotes(ctx context.Context, spentAbove int64) ([]store.ReceivedNote, error) {
	out, err := collectNotes(t.tx.Query(ctx, `
SELECT `+noteColumns+` FROM received_notes
WHERE position IS NOT NULL AND (spent_height IS NULL OR spent_height > $1)
ORDER BY position
`, spentAbove))
	if err != nil {
		return nil, fmt.Errorf("postgres: list live notes: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertSentNote(ctx context.Context, n store.SentNote) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO sent_notes (txid, output_index, account_id, recipient, value_zat, memo_hex)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (txid, output_index) DO NOTHING
`, n.TxID, n.OutputIndex, n.AccountID, n.Recipient, n.ValueZat, n.MemoHex)
	if err != nil {
		return fmt.Errorf("postgres: insert sent note: %w", err)
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e store.Event) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO events (kind, account_id, height, payload)
VALUES ($1, $2, $3, $4::jsonb)
`, e.Kind, e.AccountID, e.Height, string(e.Payload))
	if err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}
	return nil
}
