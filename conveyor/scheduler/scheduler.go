// Package scheduler reacts to schedules that an external scheduler has
// decided are due. Schedule identifiers arrive on a redis pub/sub channel
// and are matched verbatim against registered pipelines.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

const Actor = "scheduler"

type Schedules interface {
	Scheduled(ctx context.Context, schedule string) []models.Pipeline
}

type Triggerer interface {
	Trigger(ctx context.Context, pipelineId string, payload models.TriggerPayload) (*models.Run, error)
}

type Consumer struct {
	client    *redis.Client
	channel   string
	schedules Schedules
	trigger   Triggerer
	l         *slog.Logger

	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

func NewConsumer(client *redis.Client, channel string, schedules Schedules, trigger Triggerer, l *slog.Logger) *Consumer {
	if l == nil {
		l = slog.Default()
	}
	return &Consumer{
		client:           client,
		channel:          channel,
		schedules:        schedules,
		trigger:          trigger,
		l:                l.With("component", "scheduler", "channel", channel),
		RetryInterval:    time.Second,
		MaxRetryInterval: time.Minute,
	}
}

// Start consumes schedule messages until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.l.Warn("subscription ended, resubscribing", "err", err)
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	var ps *redis.PubSub

	err := retry.Do(func() error {
		ps = c.client.Subscribe(ctx, c.channel)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return err
		}
		return nil
	},
		retry.Attempts(0), // infinite attempts
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.RetryInterval),
		retry.MaxDelay(c.MaxRetryInterval),
		retry.OnRetry(func(n uint, err error) {
			c.l.Info("retrying subscription", "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return err
	}
	defer ps.Close()

	c.l.Info("subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			c.Handle(ctx, msg.Payload)
		}
	}
}

// Handle triggers every pipeline registered for the schedule and returns
// the runs it created.
func (c *Consumer) Handle(ctx context.Context, schedule string) []*models.Run {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil
	}

	var runs []*models.Run
	for _, p := range c.schedules.Scheduled(ctx, schedule) {
		run, err := c.trigger.Trigger(ctx, p.Id, models.TriggerPayload{
			Kind:     models.TriggerKindSchedule,
			Actor:    Actor,
			Metadata: map[string]string{"schedule": schedule},
		})
		if err != nil {
			c.l.Error("failed to trigger scheduled pipeline", "pipeline", p.Id, "schedule", schedule, "err", err)
			continue
		}
		runs = append(runs, run)
	}

	c.l.Debug("schedule handled", "schedule", schedule, "runs", len(runs))
	return runs
}
