// Package feed implements the change-feed transport: a thin NATS wrapper that
// publishes row-level change events and delivers them, per room, onto typed
// channels the engine drains. Transport concerns (reconnects, gaps) surface as
// stale signals; the engine owns the resynchronization that follows.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/observability"
)

const staleBufferSize = 8

// Subscription is a handle on one room's event stream. Unsubscribe is
// idempotent and safe to call during rapid navigation between rooms.
type Subscription struct {
	RoomID string

	events chan Event
	sub    *nats.Subscription

	mu     sync.Mutex
	closed bool
}

// Events returns the channel the engine drains. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.events }

// push delivers an event unless the subscription was already closed. The
// closed flag is checked under the same lock Unsubscribe closes the channel
// under, so a transport callback racing a teardown cannot send after close.
// Returns false when the buffer is full.
func (s *Subscription) push(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

// Unsubscribe releases the transport subscription and closes the event channel.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// Client multiplexes per-room change-feed subscriptions over one NATS
// connection and publishes this client's own writes so peers converge.
type Client struct {
	nc         *nats.Conn
	base       string
	source     string
	bufferSize int
	validator  *envelopeValidator
	logger     zerolog.Logger
	stale      chan struct{}
	staleOnce  sync.Once
}

// NewClient wraps an established NATS connection. source identifies this
// client process in published events; base is the subject prefix.
func NewClient(nc *nats.Conn, base, source string, bufferSize int, logger zerolog.Logger) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("feed subject base must not be empty")
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}

	validator, err := newEnvelopeValidator()
	if err != nil {
		return nil, err
	}

	c := &Client{
		nc:         nc,
		base:       base,
		source:     source,
		bufferSize: bufferSize,
		validator:  validator,
		logger:     logger.With().Str("component", "feed_client").Logger(),
		stale:      make(chan struct{}, staleBufferSize),
	}

	if nc != nil {
		nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("change feed disconnected")
		})
		// A reconnect may have skipped events; every subscriber must resync.
		nc.SetReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info().Msg("change feed reconnected, signalling resync")
			c.signalStale()
		})
	}

	return c, nil
}

// Stale delivers a signal whenever the transport reconnected and the local
// view may be behind the store. The engine reacts with a full resync fetch.
func (c *Client) Stale() <-chan struct{} { return c.stale }

func (c *Client) signalStale() {
	select {
	case c.stale <- struct{}{}:
	default:
	}
}

func (c *Client) subject(roomID, table string) string {
	return fmt.Sprintf("%s.room.%s.%s", c.base, roomID, table)
}

// Subscribe opens the event stream for one room across all watched tables.
func (c *Client) Subscribe(roomID string) (*Subscription, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room id must not be empty")
	}
	if c.nc == nil {
		return nil, apperr.Transport(fmt.Errorf("feed connection not established"))
	}

	subscription := &Subscription{
		RoomID: roomID,
		events: make(chan Event, c.bufferSize),
	}

	natsSub, err := c.nc.Subscribe(fmt.Sprintf("%s.room.%s.*", c.base, roomID), func(msg *nats.Msg) {
		c.dispatch(subscription, msg.Data)
	})
	if err != nil {
		return nil, apperr.Transport(fmt.Errorf("subscribe room %q: %w", roomID, err))
	}
	subscription.sub = natsSub

	c.logger.Debug().Str("room_id", roomID).Msg("subscribed to room feed")
	return subscription, nil
}

// dispatch validates and decodes a raw payload, then hands it to the
// subscription. A full consumer buffer counts as a gap: events must never be
// dropped silently, so the stale signal fires and the engine resyncs.
func (c *Client) dispatch(subscription *Subscription, data []byte) {
	if err := c.validator.validate(data); err != nil {
		c.logger.Warn().Err(err).Str("room_id", subscription.RoomID).Msg("dropping malformed feed event")
		observability.FeedEventsDropped().WithLabelValues("malformed").Inc()
		return
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Warn().Err(err).Str("room_id", subscription.RoomID).Msg("dropping undecodable feed event")
		observability.FeedEventsDropped().WithLabelValues("decode").Inc()
		return
	}

	if !subscription.push(event) {
		c.logger.Warn().Str("room_id", subscription.RoomID).Msg("feed consumer behind, forcing resync")
		observability.FeedEventsDropped().WithLabelValues("overflow").Inc()
		c.signalStale()
	}
}

// Publish broadcasts a change event for a row this client wrote. The echo of
// this event is how the writer itself confirms optimistic state, so the
// client's own events are not filtered out on receipt.
func (c *Client) Publish(ctx context.Context, roomID, table, eventType string, row any) error {
	if c.nc == nil {
		return apperr.Transport(fmt.Errorf("feed connection not established"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rawRow, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal feed row: %w", err)
	}

	event := Event{
		Type:   eventType,
		Table:  table,
		RoomID: roomID,
		Row:    rawRow,
		Source: c.source,
		SentAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}

	if err := c.nc.Publish(c.subject(roomID, table), payload); err != nil {
		return apperr.Transport(fmt.Errorf("publish %s/%s for room %q: %w", table, eventType, roomID, err))
	}

	return nil
}
