// Package gapfill consumes a live feed of ordered, id-tagged events and
// guarantees the stream handed to the caller has no gaps: any jump in id
// of more than one is transparently filled in from the durable log before
// live delivery resumes. It is transport-agnostic — it only ever reads
// from a Go channel and a LogReader, so it works the same whether the
// live events arrived over a websocket, a Unix socket, or in tests, a
// fake channel.
package gapfill

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/taltech/windowpipe/internal/eventlog"
)

// Envelope pairs a domain event with the id it was assigned when first
// appended to the durable log.
type Envelope[T any] struct {
	ID    int64
	Event T
}

// LogReader is the subset of eventlog.Log a Subscriber needs to backfill
// from. It is satisfied by *eventlog.BoltLog.
type LogReader interface {
	IterateFrom(start []byte, limit int) ([]eventlog.Record, error)
	IterateFromEnd(limit int) ([]eventlog.Record, error)
}

// SerializeID encodes an id as the log's 8-byte big-endian key.
func SerializeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// ParseID decodes a log key produced by SerializeID.
func ParseID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

// Decode turns one raw log value into a domain event.
type Decode[T any] func(value []byte) (T, error)

// Subscriber tracks the last id delivered to the caller and backfills any
// gap from the log before resuming live delivery.
type Subscriber[T any] struct {
	log    LogReader
	decode Decode[T]
	lastID int64
}

// NewSubscriber returns a Subscriber seeded from startID when non-nil, or
// otherwise from the log's own last id (so a fresh subscriber picks up
// exactly where the log currently ends, rather than replaying history it
// has no reason to re-deliver).
func NewSubscriber[T any](log LogReader, decode Decode[T], startID *int64) (*Subscriber[T], error) {
	if startID != nil {
		return &Subscriber[T]{log: log, decode: decode, lastID: *startID}, nil
	}

	last, err := log.IterateFromEnd(1)
	if err != nil {
		return nil, fmt.Errorf("gapfill: seeding last id from log: %w", err)
	}
	lastID := int64(-1)
	if len(last) > 0 {
		lastID = ParseID(last[0].ID)
	}
	return &Subscriber[T]{log: log, decode: decode, lastID: lastID}, nil
}

// LastID returns the most recently delivered id.
func (s *Subscriber[T]) LastID() int64 { return s.lastID }

// Consume reads (id, event) pairs from live and writes a gap-free,
// strictly increasing sequence of Envelopes to out. It returns when ctx
// is canceled or live is closed.
func (s *Subscriber[T]) Consume(ctx context.Context, live <-chan Envelope[T], out chan<- Envelope[T]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-live:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, env, out); err != nil {
				return err
			}
		}
	}
}

func (s *Subscriber[T]) handle(ctx context.Context, env Envelope[T], out chan<- Envelope[T]) error {
	expected := s.lastID + 1

	if env.ID <= s.lastID {
		return nil // stale or duplicate delivery
	}

	if env.ID > expected {
		if err := s.backfill(ctx, expected, env.ID, out); err != nil {
			return err
		}
	}

	select {
	case out <- env:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.lastID = env.ID
	return nil
}

// backfill emits every record with id in [from, to) read from the log,
// in ascending order, filling the gap before the live event at id `to`
// is delivered.
func (s *Subscriber[T]) backfill(ctx context.Context, from, to int64, out chan<- Envelope[T]) error {
	gapSize := int(to - from)
	recs, err := s.log.IterateFrom(SerializeID(from), gapSize)
	if err != nil {
		return fmt.Errorf("gapfill: backfilling [%d,%d): %w", from, to, err)
	}

	for _, rec := range recs {
		id := ParseID(rec.ID)
		if id >= to {
			break
		}
		event, err := s.decode(rec.Value)
		if err != nil {
			return fmt.Errorf("gapfill: decoding backfilled record %d: %w", id, err)
		}
		select {
		case out <- Envelope[T]{ID: id, Event: event}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
