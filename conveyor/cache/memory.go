package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// Memory is an in-process run cache backed by ristretto.
type Memory struct {
	cache *ristretto.Cache
}

func NewMemory(maxCost int64) (*Memory, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:            1e6,
		MaxCost:                maxCost,
		BufferItems:            64,
		IgnoreInternalCost:     true,
		TtlTickerDurationInSec: 60,
	})
	if err != nil {
		return nil, err
	}
	return &Memory{cache: c}, nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Run, bool, error) {
	v, ok := m.cache.Get(key(id))
	if !ok {
		return nil, false, nil
	}

	data, ok := v.([]byte)
	if !ok {
		m.cache.Del(key(id))
		return nil, false, nil
	}

	run, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

func (m *Memory) Set(_ context.Context, run *models.Run, ttl time.Duration) error {
	data, err := encode(run)
	if err != nil {
		return err
	}

	// ristretto may drop a set under contention; that only costs a
	// database read later
	m.cache.SetWithTTL(key(run.Id), data, int64(len(data)), ttl)
	m.cache.Wait()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.cache.Del(key(id))
	return nil
}

func (m *Memory) Close() {
	m.cache.Close()
}
