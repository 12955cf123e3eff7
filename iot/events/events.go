/*Package events defines the domain events of the device cloud and the sinks they are
published to.

The engines never send mail or notify anyone themselves. They return events, and the
orchestrator publishes them after the corresponding transaction has committed. Consumers
such as the mail service subscribe to the Kafka topic or the SQS queue.
*/
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type is the type of an event
type Type string

// Event types
const (
	// VerificationRequired is emitted when an account registered. The mail collaborator
	// sends the verification mail.
	VerificationRequired Type = "account.verification_required"
	DeviceActivated      Type = "device.activated"
	DeviceRemoved        Type = "device.removed"
	JobScheduled         Type = "job.scheduled"
	JobRemoved           Type = "job.removed"
)

// Event is a domain event
type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	UserID   string    `json:"user_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	At       time.Time `json:"at"`
}

// New returns a new event of type t with a fresh id
func New(t Type, userID, deviceID string) Event {
	return Event{
		ID:       uuid.New().String(),
		Type:     t,
		UserID:   userID,
		DeviceID: deviceID,
		At:       time.Now().UTC(),
	}
}

// Key is the partitioning key of the event. Events of the same user stay in order.
func (e Event) Key() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.DeviceID
}

// Sink publishes events
type Sink interface {
	Publish(ctx context.Context, events ...Event) error
}

// Fanout publishes to all its sinks and returns the joined errors
type Fanout []Sink

// Publish implements Sink
func (f Fanout) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is a sink which keeps published events in memory
type Recorder struct {
	events chan Event
}

// NewRecorder returns a recorder which buffers up to size events
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

// Publish implements Sink. It fails when the buffer is full.
func (r *Recorder) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		select {
		case r.events <- e:
		default:
			return errors.New("event recorder is full")
		}
	}
	return nil
}

// Events returns the events recorded so far
func (r *Recorder) Events() []Event {
	var events []Event
	for {
		select {
		case e := <-r.events:
			events = append(events, e)
		default:
			return events
		}
	}
}
