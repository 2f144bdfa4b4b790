// Package store defines the persistence contract of the vault. Reads run
// against the last committed state; every mutation happens inside WithTx,
// which either commits as a unit or leaves the store untouched.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAccountExists = errors.New("store: account exists")
)

type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	WithTx(ctx context.Context, fn func(Tx) error) error

	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, accountID string) (Account, bool, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	Tip(ctx context.Context) (BlockTip, bool, error)
	HashAtHeight(ctx context.Context, height int64) (string, bool, error)
	GetTransaction(ctx context.Context, txid string) (Transaction, bool, error)

	CheckpointAt(ctx context.Context, height int64) (Checkpoint, bool, error)
	OldestCheckpointHeight(ctx context.Context) (int64, bool, error)
	WitnessAt(ctx context.Context, position, height int64) ([]byte, bool, error)

	GetNote(ctx context.Context, txid string, outputIndex int32) (ReceivedNote, bool, error)
	ListNotes(ctx context.Context, accountID string, onlyUnspent bool, limit int) ([]ReceivedNote, error)
	ListSentNotes(ctx context.Context, txid string) ([]SentNote, error)
	SpendableBalance(ctx context.Context, accountID string, leafLimit int64) (int64, error)
	SelectSpendable(ctx context.Context, accountID string, target, leafLimit int64) ([]ReceivedNote, error)

	ListAccountEvents(ctx context.Context, accountID string, afterID int64, limit int) (events []Event, nextCursor int64, err error)
	AccountEventCursor(ctx context.Context, accountID string) (int64, error)
	SetAccountEventCursor(ctx context.Context, accountID string, cursor int64) error
}

// Tx is the mutation scope. Reads on Tx observe the transaction's own
// uncommitted writes.
type Tx interface {
	AdvanceDiversifier(ctx context.Context, accountID string) (uint32, error)

	Tip(ctx context.Context) (BlockTip, bool, error)
	InsertBlock(ctx context.Context, b Block) error
	DeleteBlocksAbove(ctx context.Context, height int64) error
	UpsertTransaction(ctx context.Context, t Transaction) error
	GetTransaction(ctx context.Context, txid string) (Transaction, bool, error)
	// DemoteTransactionsAbove clears the mined height and index of every
	// transaction mined above the height, returning their ids. The rows
	// survive as unmined transactions.
	DemoteTransactionsAbove(ctx context.Context, height int64) ([]string, error)

	InsertCommitment(ctx context.Context, c Commitment) error
	GetCommitmentByOutput(ctx context.Context, txid string, outputIndex int32) (Commitment, bool, error)
	// ListCommitments returns commitments with from <= position < to,
	// ordered by position.
	ListCommitments(ctx context.Context, from, to int64) ([]Commitment, error)
	DeleteCommitmentsFrom(ctx context.Context, position int64) error

	PutCheckpoint(ctx context.Context, c Checkpoint) error
	GetCheckpoint(ctx context.Context, height int64) (Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)
	DeleteCheckpointsAbove(ctx context.Context, height int64) error
	DeleteCheckpointsBelow(ctx context.Context, height int64) error

	PutWitness(ctx context.Context, position, height int64, witness []byte) error
	WitnessAt(ctx context.Context, position, height int64) ([]byte, bool, error)
	ListWitnessesAt(ctx context.Context, height int64) ([]WitnessRow, error)
	NewestWitnessHeight(ctx context.Context, position int64) (int64, bool, error)
	DeleteWitnessesAbove(ctx context.Context, height int64) error
	DeleteWitnessesBelow(ctx context.Context, height int64) error

	InsertNote(ctx context.Context, n ReceivedNote) error
	GetNote(ctx context.Context, txid string, outputIndex int32) (ReceivedNote, bool, error)
	GetNoteByNullifier(ctx context.Context, nullifier string) (ReceivedNote, bool, error)
	GetNoteByPosition(ctx context.Context, position int64) (ReceivedNote, bool, error)
	// BindNotePosition assigns the mined height and leaf position to a note
	// stored before its transaction mined (a change output).
	BindNotePosition(ctx context.Context, txid string, outputIndex int32, height, position int64) error
	SetNoteLock(ctx context.Context, txid string, outputIndex int32, lockTxID *string) error
	// MarkNoteSpent records the confirmed spend of the note carrying the
	// nullifier and clears any spend lock on it.
	MarkNoteSpent(ctx context.Context, nullifier string, height int64, spentTxID string) (ReceivedNote, error)
	// RevertSpendsAbove reverses spends recorded above the height. A note
	// spent by one of the wallet's own transactions (raw bytes on file)
	// comes back spend-locked by its former spender, now demoted to
	// unmined; a note whose spend was merely observed comes back freely
	// spendable. The returned notes carry their pre-revert spend state.
	RevertSpendsAbove(ctx context.Context, height int64) ([]ReceivedNote, error)
	// ReleaseExpiredLocks clears locks held by unmined transactions whose
	// expiry height is below the given height. The returned notes carry
	// the lock they were released from.
	ReleaseExpiredLocks(ctx context.Context, height int64) ([]ReceivedNote, error)
	// DeleteNotesFromPosition removes notes with position >= the given
	// leaf count, returning the removed rows. Positionless notes are kept.
	DeleteNotesFromPosition(ctx context.Context, position int64) ([]ReceivedNote, error)
	// ListLiveNotes returns notes that are unspent, spend-locked, or spent
	// above the given height. These are the notes whose witnesses are
	// still maintained.
	ListLiveNotes(ctx context.Context, spentAbove int64) ([]ReceivedNote, error)

	InsertSentNote(ctx context.Context, n SentNote) error

	InsertEvent(ctx context.Context, e Event) error
}

type Account struct {
	AccountID         string
	PoolKind          string
	ViewingKey        string
	DiversifierCursor uint32
	CreatedAt         time.Time
}

type BlockTip struct {
	Height int64
	Hash   string
}

type Block struct {
	Height   int64
	Hash     string
	PrevHash string
	Time     int64
}

type Transaction struct {
	TxID         string
	MinedHeight  *int64
	TxIndex      *int32
	ExpiryHeight *int64
	Raw          []byte
	CreatedAt    time.Time
}

type Commitment struct {
	Position    int64
	Height      int64
	TxID        string
	OutputIndex int32
	Commitment  string
}

type Checkpoint struct {
	Height    int64
	LeafCount int64
	Frontier  []byte
	Root      string
}

type WitnessRow struct {
	Position int64
	Height   int64
	Witness  []byte
}

type ReceivedNote struct {
	TxID             string
	OutputIndex      int32
	AccountID        string
	Height           *int64
	Position         *int64
	ValueZat         int64
	MemoHex          *string
	Commitment       string
	Nullifier        string
	DiversifierIndex uint32
	Change           bool
	SpentHeight      *int64
	SpentTxID        *string
	LockTxID         *string
	CreatedAt        time.Time
}

type SentNote struct {
	TxID        string
	OutputIndex int32
	AccountID   string
	Recipient   string
	ValueZat    int64
	MemoHex     *string
	CreatedAt   time.Time
}

type Event struct {
	ID        int64
	Kind      string
	AccountID string
	Height    int64
	Payload   json.RawMessage
	CreatedAt time.Time
}
