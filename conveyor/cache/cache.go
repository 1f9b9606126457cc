// Package cache holds the read-through accelerators for run lookups. A
// cache is never authoritative: a miss only means "ask the database".
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

type RunCache interface {
	Get(ctx context.Context, id string) (*models.Run, bool, error)
	Set(ctx context.Context, run *models.Run, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// ensure that we are satisfying the interface
var (
	_ = []RunCache{
		&Memory{},
		&Redis{},
		Nop{},
	}
)

const runKey = "pipeline:run:%s"

func key(id string) string {
	return fmt.Sprintf(runKey, id)
}

// entries are stored encoded so that cached values never alias a run that
// is still being mutated
func encode(run *models.Run) ([]byte, error) {
	return json.Marshal(run)
}

func decode(data []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Nop caches nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) (*models.Run, bool, error) { return nil, false, nil }

func (Nop) Set(context.Context, *models.Run, time.Duration) error { return nil }

func (Nop) Delete(context.Context, string) error { return nil }
