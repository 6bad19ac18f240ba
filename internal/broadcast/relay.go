package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/changesync/internal/store"
)

// Feed is the ledger's ordered stream of resolutions.
type Feed interface {
	ReadResolvedSince(ctx context.Context, afterSeq int64, limit int) ([]store.ResolvedChange, error)
	LatestResolvedSeq(ctx context.Context) (int64, error)
}

const relayBatch = 256

// Relay tails the resolution feed so changes resolved by workers in other
// processes reach this process's subscribers. It starts at the feed's head;
// history is never replayed.
type Relay struct {
	feed     Feed
	b        *Broadcaster
	interval time.Duration
	last     int64
	started  bool
}

// NewRelay returns a Relay polling feed every interval.
func NewRelay(feed Feed, b *Broadcaster, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{feed: feed, b: b, interval: interval}
}

// Start positions the relay at the current head of the feed.
func (r *Relay) Start(ctx context.Context) error {
	seq, err := r.feed.LatestResolvedSeq(ctx)
	if err != nil {
		return fmt.Errorf("relay start: %w", err)
	}
	r.last = seq
	r.started = true
	return nil
}

// Position returns the last feed sequence handled.
func (r *Relay) Position() int64 { return r.last }

// RunOnce forwards every resolution after the current position and returns
// how many were read.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if !r.started {
		if err := r.Start(ctx); err != nil {
			return 0, err
		}
	}
	total := 0
	for {
		batch, err := r.feed.ReadResolvedSince(ctx, r.last, relayBatch)
		if err != nil {
			return total, fmt.Errorf("relay read: %w", err)
		}
		for _, rc := range batch {
			r.b.Notify(rc.Change)
			r.last = rc.Seq
		}
		total += len(batch)
		if len(batch) < relayBatch {
			return total, nil
		}
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("relay", "position", r.last, "error", err)
			}
		}
	}
}
