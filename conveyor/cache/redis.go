package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// Redis is a run cache shared between conveyor instances.
type Redis struct {
	*redis.Client
}

func NewRedis(addr string) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &Redis{rdb}
}

func (r *Redis) Get(ctx context.Context, id string) (*models.Run, bool, error) {
	data, err := r.Client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	run, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

func (r *Redis) Set(ctx context.Context, run *models.Run, ttl time.Duration) error {
	data, err := encode(run)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, key(run.Id), data, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.Client.Del(ctx, key(id)).Err()
}
