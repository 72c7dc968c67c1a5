// Package notify announces finished forecast steps on Redis pub/sub so that
// downstream consumers can start on a lead time as soon as it is on disk.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rtm0/pangu/internal/rollout"
)

// Event is the JSON payload published for every step.
type Event struct {
	Run       string    `json:"run"`
	Step      int       `json:"step"`
	LeadHours int       `json:"lead_hours"`
	ValidTime time.Time `json:"valid_time"`
	Model     string    `json:"model"`
	Paths     []string  `json:"paths,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// NewEvent describes step s of run.
func NewEvent(run string, s rollout.Step) Event {
	return Event{
		Run:       run,
		Step:      s.Index,
		LeadHours: s.LeadHours,
		ValidTime: s.ValidTime.UTC(),
		Model:     s.Model,
		Paths:     s.Paths,
		ElapsedMS: s.Elapsed.Milliseconds(),
	}
}

// Channel returns the pub/sub channel of a run.
func Channel(run string) string {
	return "pangu:" + run
}

// Publisher publishes step events of one run. The latest event is also kept
// under the channel name so late subscribers can catch up.
type Publisher struct {
	logger *slog.Logger
	client *redis.Client
	run    string
}

// NewPublisher connects to Redis at addr.
func NewPublisher(logger *slog.Logger, addr, password string, db int, run string) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", addr, err)
	}
	return &Publisher{logger: logger, client: client, run: run}, nil
}

// StepDone implements rollout.Hook. Redis being unavailable is logged and
// does not stop the forecast.
func (p *Publisher) StepDone(ctx context.Context, s rollout.Step) error {
	payload, err := json.Marshal(NewEvent(p.run, s))
	if err != nil {
		return err
	}
	ch := Channel(p.run)
	if err := p.client.Set(ctx, ch, payload, 0).Err(); err != nil {
		p.logger.Error("Could not store step event", "channel", ch, "err", err)
		return nil
	}
	if err := p.client.Publish(ctx, ch, payload).Err(); err != nil {
		p.logger.Error("Could not publish step event", "channel", ch, "err", err)
	}
	return nil
}

// Close closes the connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
