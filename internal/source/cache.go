package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/Abdullah1738/juno-vault/internal/ledger"
)

// Cache persists scanned blocks in a pebble database so a rescan can
// replay them without the upstream feed. Put stores one block, the Source
// methods serve whatever is stored. Heights are fixed-width decimals in the
// keys so lexicographic order matches numeric order.
type Cache struct {
	mu sync.Mutex
	db *pebble.DB
}

var cacheBlockPrefix = []byte("b/")

func OpenCache(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("source: cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("source: mkdir: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("source: open cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Put stores blk, overwriting any cached block at the same height.
func (c *Cache) Put(ctx context.Context, blk ledger.ScannedBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("source: marshal block %d: %w", blk.Height, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.Set(keyCacheBlock(blk.Height), raw, pebble.NoSync); err != nil {
		return fmt.Errorf("source: put block %d: %w", blk.Height, err)
	}
	return nil
}

// DeleteFrom removes every cached block at or above height, invalidating a
// reorged suffix.
func (c *Cache) DeleteFrom(ctx context.Context, height int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteRange(keyCacheBlock(height), prefixUpperBound(cacheBlockPrefix), pebble.NoSync); err != nil {
		return fmt.Errorf("source: delete blocks from %d: %w", height, err)
	}
	return nil
}

func (c *Cache) Tip(ctx context.Context) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: cacheBlockPrefix,
		UpperBound: prefixUpperBound(cacheBlockPrefix),
	})
	if err != nil {
		return 0, false, fmt.Errorf("source: iter: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return 0, false, fmt.Errorf("source: scan: %w", err)
		}
		return 0, false, nil
	}
	var blk ledger.ScannedBlock
	if err := json.Unmarshal(iter.Value(), &blk); err != nil {
		return 0, false, fmt.Errorf("source: decode block: %w", err)
	}
	return blk.Height, true, nil
}

func (c *Cache) HashAt(ctx context.Context, height int64) (string, bool, error) {
	blk, ok, err := c.get(ctx, height)
	if err != nil || !ok {
		return "", false, err
	}
	return blk.Hash, true, nil
}

func (c *Cache) Next(ctx context.Context, height int64) (ledger.ScannedBlock, bool, error) {
	return c.get(ctx, height)
}

func (c *Cache) get(ctx context.Context, height int64) (ledger.ScannedBlock, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.ScannedBlock{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	val, closer, err := c.db.Get(keyCacheBlock(height))
	if errors.Is(err, pebble.ErrNotFound) {
		return ledger.ScannedBlock{}, false, nil
	}
	if err != nil {
		return ledger.ScannedBlock{}, false, fmt.Errorf("source: get block %d: %w", height, err)
	}
	defer closer.Close()

	var blk ledger.ScannedBlock
	if err := json.Unmarshal(val, &blk); err != nil {
		return ledger.ScannedBlock{}, false, fmt.Errorf("source: decode block %d: %w", height, err)
	}
	return blk, true, nil
}

func keyCacheBlock(height int64) []byte {
	if height < 0 {
		height = 0
	}
	b := make([]byte, 0, len(cacheBlockPrefix)+20)
	b = append(b, cacheBlockPrefix...)
	b = append(b, fixed20(uint64(height))...)
	return b
}

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
