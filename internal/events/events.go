package events

import "github.com/Abdullah1738/juno-sdk-go/types"

const (
	KindNoteReceived = "vault.note.received"
	KindNoteSpent    = "vault.note.spent"
	KindNoteUnspent  = "vault.note.unspent"
	KindNoteOrphaned = "vault.note.orphaned"

	KindSpendLocked  = "vault.spend.locked"
	KindSpendExpired = "vault.spend.expired"
)

// NoteReceivedPayload announces a note credited to an account. It embeds
// the shared sdk deposit event so downstream consumers of the deposit
// pipeline can read vault notes without a second schema.
type NoteReceivedPayload struct {
	types.DepositEvent
	Position      int64  `json:"position"`
	Commitment    string `json:"commitment"`
	NoteNullifier string `json:"note_nullifier,omitempty"`
	Change        bool   `json:"change,omitempty"`
}

type NoteOrphanedPayload struct {
	NoteReceivedPayload
	OrphanedAtHeight int64 `json:"orphaned_at_height"`
}

type NoteSpentPayload struct {
	Version   types.Version `json:"version"`
	AccountID string        `json:"account_id"`
	TxID      string        `json:"txid"`
	Height    int64         `json:"height"`

	NoteTxID        string `json:"note_txid"`
	NoteOutputIndex uint32 `json:"note_output_index"`
	NoteHeight      int64  `json:"note_height"`
	AmountZatoshis  uint64 `json:"amount_zatoshis"`
	NoteNullifier   string `json:"note_nullifier,omitempty"`

	Status types.TxStatus `json:"status"`
}

// NoteUnspentPayload marks a spend reversed by rollback. When the spender
// was the wallet's own transaction it keeps a lock on the note until it
// mines again or expires.
type NoteUnspentPayload struct {
	NoteSpentPayload
	RollbackHeight int64 `json:"rollback_height"`
}

type SpendLockedPayload struct {
	Version   types.Version `json:"version"`
	AccountID string        `json:"account_id"`
	LockTxID  string        `json:"lock_txid"`

	NoteTxID        string `json:"note_txid"`
	NoteOutputIndex uint32 `json:"note_output_index"`
	AmountZatoshis  uint64 `json:"amount_zatoshis"`

	ExpiryHeight *int64 `json:"expiry_height,omitempty"`
}

type SpendExpiredPayload struct {
	SpendLockedPayload
	ExpiredAtHeight int64 `json:"expired_at_height"`
}
