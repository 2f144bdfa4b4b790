// Package ledger is the wallet engine: it applies scanned blocks to the
// note-commitment accumulator and the note tables, maintains per-height
// checkpoints and witnesses inside the retention window, and rewinds all of
// it on chain reorganizations. Every mutating operation runs inside one
// store transaction under a single-writer lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Abdullah1738/juno-vault/internal/pool"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

// DefaultRetention is how many recent checkpoints (and their witness rows)
// are kept for rollback and anchor selection.
const DefaultRetention = 100

var (
	ErrChainDiscontinuity    = errors.New("ledger: block does not extend the stored tip")
	ErrDoubleSpend           = errors.New("ledger: nullifier already consumed by a different transaction")
	ErrRewindPastPrunedState = errors.New("ledger: rewind target is past pruned state")
	ErrCheckpointNotRetained = errors.New("ledger: checkpoint not retained")
	ErrKeyReuse              = errors.New("ledger: nullifier reuse across distinct notes")
	ErrUnknownAccount        = errors.New("ledger: unknown account")
	ErrNoteNotFound          = errors.New("ledger: note not found")
	ErrNoteSpent             = errors.New("ledger: note already spent")
)

type Ledger struct {
	mu        sync.Mutex
	st        store.Store
	retention int64
}

func New(st store.Store, retention int64) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("ledger: store is nil")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{st: st, retention: retention}, nil
}

// Retention reports the configured checkpoint retention window.
func (l *Ledger) Retention() int64 {
	return l.retention
}

// ScannedBlock is one block's worth of already-decrypted scan results, the
// unit ApplyBlock ingests. Transactions appear in block order and outputs
// in output order; that order assigns leaf positions.
type ScannedBlock struct {
	Height       int64
	Hash         string
	PrevHash     string
	Time         int64
	Transactions []ScannedTransaction
}

type ScannedTransaction struct {
	TxID         string
	ExpiryHeight *int64
	Outputs      []ScannedOutput
	Inputs       []ScannedInput
}

// ScannedOutput is one shielded output. Commitment is always present; the
// remaining fields are set only when one of the vault's accounts decrypted
// the output (AccountID) or recovered the recipient of its own payment
// (Recipient).
type ScannedOutput struct {
	Commitment string

	AccountID        string
	ValueZat         int64
	MemoHex          string
	Nullifier        string
	DiversifierIndex uint32
	Change           bool

	Recipient string
}

type ScannedInput struct {
	Nullifier string
}

// CreateAccount registers an account after validating its key material
// against the pool kind's format rules.
func (l *Ledger) CreateAccount(ctx context.Context, accountID string, kind pool.Kind, viewingKey string) (store.Account, error) {
	if accountID == "" {
		return store.Account{}, errors.New("ledger: account id is required")
	}
	p, err := pool.ForKind(kind)
	if err != nil {
		return store.Account{}, err
	}
	if err := p.ValidateViewingKey(viewingKey); err != nil {
		return store.Account{}, err
	}

	if err := l.st.CreateAccount(ctx, store.Account{
		AccountID:  accountID,
		PoolKind:   string(kind),
		ViewingKey: viewingKey,
	}); err != nil {
		return store.Account{}, err
	}
	a, ok, err := l.st.GetAccount(ctx, accountID)
	if err != nil {
		return store.Account{}, err
	}
	if !ok {
		return store.Account{}, fmt.Errorf("ledger: account %q vanished after create", accountID)
	}
	return a, nil
}

func memoPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
