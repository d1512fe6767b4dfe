// Package status mantém o cache Redis de status de apostas, usado pelas
// leituras que não precisam do lock por aposta.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MutinyWallet/note-duel-backend/internal/duel-service/dto"
)

type Cache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewCache(c *redis.Client, ttl time.Duration) *Cache {
	return &Cache{Client: c, TTL: ttl}
}

func key(betID string) string { return "duel:status:" + betID }

// Set grava o status atual com TTL
func (c *Cache) Set(ctx context.Context, st dto.DuelStatusResponse) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, key(st.BetID), b, c.TTL).Err()
}

// Get retorna o status cacheado; (nil, nil) em cache miss
func (c *Cache) Get(ctx context.Context, betID string) (*dto.DuelStatusResponse, error) {
	b, err := c.Client.Get(ctx, key(betID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st dto.DuelStatusResponse
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Invalidate remove o status cacheado após uma transição
func (c *Cache) Invalidate(ctx context.Context, betID string) error {
	return c.Client.Del(ctx, key(betID)).Err()
}
