// Package impressions delivers decision and conversion events to the
// analytics collector. Delivery is asynchronous and best-effort so that the
// evaluation path never waits on the network.
package impressions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// queueSize is the buffer size for the event queue.
	queueSize = 1000

	eventVariationShown = "fg_variationShown"
	eventGoalTriggered  = "fg_goalTriggered"
)

// Event is one tracking payload sent to the collector.
type Event struct {
	ID          string    `json:"id"`
	AccountID   int       `json:"accountId"`
	Type        string    `json:"type"`
	UserID      string    `json:"userId"`
	CampaignID  int       `json:"campaignId,omitempty"`
	VariationID int       `json:"variationId,omitempty"`
	MetricID    int       `json:"metricId,omitempty"`
	Identifier  string    `json:"identifier,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Dispatcher queues events and ships them to the collector endpoint from a
// background worker. It satisfies the evaluation engine's sink contract.
type Dispatcher struct {
	endpoint  string
	accountID int
	client    *http.Client
	queue     chan Event
	done      chan struct{}
	closed    int32 // atomic flag to prevent double-close
	log       zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// NewDispatcher creates a dispatcher posting to the given collector URL.
func NewDispatcher(endpoint string, accountID int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoint:  endpoint,
		accountID: accountID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins processing events from the queue.
func (d *Dispatcher) Start() {
	go d.worker()
}

// Close shuts the dispatcher down after draining queued events. It is safe
// to call multiple times.
func (d *Dispatcher) Close() error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}
	close(d.queue)
	<-d.done
	return nil
}

// TrackVariationShown queues a decision impression. Non-blocking; the event
// is dropped when the queue is full.
func (d *Dispatcher) TrackVariationShown(campaignID, variationID int, userID string) {
	d.enqueue(Event{
		ID:          uuid.New().String(),
		AccountID:   d.accountID,
		Type:        eventVariationShown,
		UserID:      userID,
		CampaignID:  campaignID,
		VariationID: variationID,
		Timestamp:   time.Now().UTC(),
	})
}

// TrackGoal queues a conversion event.
func (d *Dispatcher) TrackGoal(metricID int, identifier, userID string) {
	d.enqueue(Event{
		ID:         uuid.New().String(),
		AccountID:  d.accountID,
		Type:       eventGoalTriggered,
		UserID:     userID,
		MetricID:   metricID,
		Identifier: identifier,
		Timestamp:  time.Now().UTC(),
	})
}

func (d *Dispatcher) enqueue(event Event) {
	if atomic.LoadInt32(&d.closed) == 1 {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.log.Warn().
			Str("type", event.Type).
			Str("user_id", event.UserID).
			Msg("impression queue full, dropping event")
	}
}

// worker processes events from the queue.
func (d *Dispatcher) worker() {
	defer close(d.done)

	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal impression")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", d.endpoint, bytes.NewReader(payload))
	if err != nil {
		d.log.Error().Err(err).Msg("failed to create impression request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn().Err(err).Str("event_id", event.ID).Msg("impression delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.log.Warn().
			Int("status", resp.StatusCode).
			Str("event_id", event.ID).
			Msg("collector rejected impression")
		return
	}

	d.log.Debug().
		Str("event_id", event.ID).
		Str("type", event.Type).
		Msg("impression delivered")
}
