// Package publisher drains the per-account event log to a message broker.
// Events are written to the store in the same transaction as the state
// change they describe; this poller is the outbox side, advancing each
// account's cursor only after the broker accepted the event.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/broker"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

type Publisher struct {
	st store.Store
	br broker.Broker

	pollInterval time.Duration
	batchSize    int
}

func New(st store.Store, br broker.Broker, cfg Config) (*Publisher, error) {
	if st == nil {
		return nil, errors.New("publisher: store is nil")
	}
	if br == nil {
		return nil, errors.New("publisher: broker is nil")
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > 5000 {
		batchSize = 1000
	}

	return &Publisher{
		st:           st,
		br:           br,
		pollInterval: poll,
		batchSize:    batchSize,
	}, nil
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if err := p.publishOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) error {
	accounts, err := p.st.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("publisher: list accounts: %w", err)
	}

	for _, a := range accounts {
		cursor, err := p.st.AccountEventCursor(ctx, a.AccountID)
		if err != nil {
			return err
		}

		for {
			events, nextCursor, err := p.st.ListAccountEvents(ctx, a.AccountID, cursor, p.batchSize)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				break
			}

			for _, e := range events {
				env := broker.Envelope{
					Version: "v1",
					Kind:    e.Kind,
					Account: a.AccountID,
					Height:  e.Height,
					Payload: e.Payload,
				}
				value, err := json.Marshal(env)
				if err != nil {
					return fmt.Errorf("publisher: marshal envelope: %w", err)
				}

				key := eventKey(a.AccountID, e.Payload)
				if err := p.br.Publish(ctx, key, value); err != nil {
					return err
				}

				cursor = e.ID
				if err := p.st.SetAccountEventCursor(ctx, a.AccountID, cursor); err != nil {
					return err
				}
			}

			cursor = nextCursor
		}
	}

	return nil
}

// eventKey picks the broker partition key: the transaction id when the
// payload names one, else the account id.
func eventKey(accountID string, payload json.RawMessage) string {
	var tx struct {
		TxID string `json:"txid"`
	}
	if err := json.Unmarshal(payload, &tx); err == nil && tx.TxID != "" {
		return tx.TxID
	}
	return accountID
}
