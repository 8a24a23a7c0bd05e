package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finmesa/auction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for commitments, which are read-mostly after creation. Auctions,
// offers and limits are never cached: the engine's conditional writes must
// always see the primary's current state.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// WithinTx delegates to the primary's transaction when it has one. The
// transaction-bound store is wrapped again so commitment writes inside the
// transaction still invalidate the cache.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	tr, ok := s.Store.(Transactor)
	if !ok {
		return fn(s)
	}
	return tr.WithinTx(ctx, func(tx Store) error {
		return fn(NewCachedStore(tx, s.rdb, s.ttl))
	})
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateCommitment(ctx context.Context, c *model.Commitment) error {
	if err := s.Store.CreateCommitment(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, clientCommitmentsKey(c.ClientID), bankCommitmentsKey(c.BankID))
	return nil
}

func (s *CachedStore) TransitionCommitment(ctx context.Context, id string, from, to model.CommitmentState) error {
	if err := s.Store.TransitionCommitment(ctx, id, from, to); err != nil {
		return err
	}
	// The owning lists are unknown here; read the row back to invalidate them.
	if c, err := s.Store.GetCommitment(ctx, id); err == nil {
		s.rdb.Del(ctx, commitmentKey(c.ID), opIDKey(c.OpID),
			clientCommitmentsKey(c.ClientID), bankCommitmentsKey(c.BankID))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCommitment(ctx context.Context, id string) (*model.Commitment, error) {
	data, err := s.rdb.Get(ctx, commitmentKey(id)).Bytes()
	if err == nil {
		var c model.Commitment
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.Store.GetCommitment(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheCommitment(ctx, c)
	return c, nil
}

func (s *CachedStore) GetCommitmentByOpID(ctx context.Context, opID string) (*model.Commitment, error) {
	// Try cache via opID→ID mapping.
	id, err := s.rdb.Get(ctx, opIDKey(opID)).Result()
	if err == nil {
		return s.GetCommitment(ctx, id)
	}

	c, err := s.Store.GetCommitmentByOpID(ctx, opID)
	if err != nil {
		return nil, err
	}
	s.cacheCommitment(ctx, c)
	s.rdb.Set(ctx, opIDKey(opID), c.ID, s.ttl)
	return c, nil
}

func (s *CachedStore) ListCommitmentsByClient(ctx context.Context, clientID string) ([]model.Commitment, error) {
	return s.cachedList(ctx, clientCommitmentsKey(clientID), func() ([]model.Commitment, error) {
		return s.Store.ListCommitmentsByClient(ctx, clientID)
	})
}

func (s *CachedStore) ListCommitmentsByBank(ctx context.Context, bankID string) ([]model.Commitment, error) {
	return s.cachedList(ctx, bankCommitmentsKey(bankID), func() ([]model.Commitment, error) {
		return s.Store.ListCommitmentsByBank(ctx, bankID)
	})
}

// --- Cache helpers ---

func (s *CachedStore) cachedList(ctx context.Context, key string, load func() ([]model.Commitment, error)) ([]model.Commitment, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var list []model.Commitment
		if json.Unmarshal(data, &list) == nil {
			return list, nil
		}
	}

	list, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(list); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return list, nil
}

func (s *CachedStore) cacheCommitment(ctx context.Context, c *model.Commitment) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, commitmentKey(c.ID), data, s.ttl)
	}
}

func commitmentKey(id string) string { return fmt.Sprintf("commitment:%s", id) }
func opIDKey(opID string) string { return fmt.Sprintf("commitment:op:%s", opID) }
func clientCommitmentsKey(id string) string { return fmt.Sprintf("commitments:client:%s", id) }
func bankCommitmentsKey(id string) string { return fmt.Sprintf("commitments:bank:%s", id) }
