// Package notify announces operational events (exhausted jobs, startup) on
// chat channels. Notifications are dispatched to every registered sender
// and can be filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// Event types.
const (
	EventJobFailed = "job_failed"
	EventStartup   = "startup"
)

// Field is one labelled value of a message.
type Field struct {
	Name  string
	Value string
}

// Message is a notification before it is rendered for a channel.
type Message struct {
	Event  string
	Title  string
	Body   string
	Fields []Field
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards messages whose event type is allowed, while NotifyAll bypasses
// the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends msg to all senders if its event type is allowed.
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if len(n.events) > 0 && !n.events[msg.Event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", msg.Event))
		return nil
	}
	return n.dispatch(ctx, msg)
}

// NotifyAll sends msg to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, msg Message) error {
	return n.dispatch(ctx, msg)
}

// JobFailed announces a job that exhausted its retries. archivePath is
// where the dead letter was stored, empty if archiving failed.
func (n *Notifier) JobFailed(ctx context.Context, job domain.Job, cause error, archivePath string) error {
	msg := Message{
		Event: EventJobFailed,
		Title: "Job failed: " + job.Queue,
		Fields: []Field{
			{Name: "job", Value: job.ID},
			{Name: "attempts", Value: strconv.Itoa(job.Attempt)},
		},
	}
	if cause != nil {
		msg.Body = cause.Error()
	}
	if archivePath != "" {
		msg.Fields = append(msg.Fields, Field{Name: "archive", Value: archivePath})
	}
	return n.Notify(ctx, msg)
}

// dispatch delivers msg to every sender. A single sender failure does not
// prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", msg.Event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
