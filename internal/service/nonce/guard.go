// Package nonce guards against replayed messages. Processed nonces are recorded in an
// append-only store and never expire.
package nonce

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
)

var ErrNonceIsNil = errors.New("nonce is nil")

type (
	Store interface {
		Contains(ctx context.Context, nonce []byte) (bool, error)
		// Add inserts the nonces that are not yet present and returns how many were new.
		Add(ctx context.Context, nonces ...[]byte) (int, error)
		Count(ctx context.Context) (int64, error)
	}

	Guard struct {
		store Store
	}
)

func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// IsProcessed reports whether nonce was already consumed. A missing nonce cannot be
// checked and is treated as processed.
func (g *Guard) IsProcessed(ctx context.Context, nonce []byte) (bool, error) {
	if len(nonce) == 0 {
		log.Warn("nonce is nil, treating message as processed")
		return true, nil
	}
	return g.store.Contains(ctx, nonce)
}

func (g *Guard) MarkProcessed(ctx context.Context, nonce []byte) error {
	if len(nonce) == 0 {
		return ErrNonceIsNil
	}
	if _, err := g.store.Add(ctx, nonce); err != nil {
		return fmt.Errorf("mark nonce %s processed: %w", hex.EncodeToString(nonce), err)
	}
	return nil
}

// MarkProcessedBatch records every distinct nonce of the batch once. A nil nonce
// anywhere in the batch fails the call before anything is written.
func (g *Guard) MarkProcessedBatch(ctx context.Context, nonces [][]byte) error {
	seen := make(map[string]struct{}, len(nonces))
	distinct := make([][]byte, 0, len(nonces))
	for i, n := range nonces {
		if len(n) == 0 {
			return fmt.Errorf("%w: batch index %d", ErrNonceIsNil, i)
		}
		if _, ok := seen[string(n)]; ok {
			continue
		}
		seen[string(n)] = struct{}{}
		distinct = append(distinct, n)
	}
	if len(distinct) == 0 {
		return nil
	}

	added, err := g.store.Add(ctx, distinct...)
	if err != nil {
		return fmt.Errorf("mark %d nonces processed: %w", len(distinct), err)
	}
	log.Debug("nonces marked processed", zap.Int("batch", len(nonces)), zap.Int("added", added))
	return nil
}

func (g *Guard) Count(ctx context.Context) (int64, error) {
	return g.store.Count(ctx)
}
