// Package notify relays a message to a fixed list of recipients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultPause is the delay between two deliveries.
const DefaultPause = 200 * time.Millisecond

// ErrNoRecipients is returned when a relay has nobody to notify.
var ErrNoRecipients = errors.New("notify: no recipients")

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// Relay fans a message out to every recipient in order.
type Relay struct {
	Recipients []string
	Pause      time.Duration
	Sender     Sender
	Logger     *slog.Logger
}

// Send delivers text to each recipient, pausing between deliveries.
// Delivery continues past individual failures; the joined errors are
// returned.
func (r *Relay) Send(ctx context.Context, text string) error {
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for i, recipient := range r.Recipients {
		if i > 0 && r.Pause > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(append(errs, ctx.Err())...)
			case <-time.After(r.Pause):
			}
		}
		if err := r.Sender.Send(ctx, recipient, text); err != nil {
			logger.Warn("notification failed", "recipient", recipient, "error", err)
			errs = append(errs, fmt.Errorf("notify %s: %w", recipient, err))
			continue
		}
		logger.Debug("notification sent", "recipient", recipient)
	}
	return errors.Join(errs...)
}

// WriterSender writes "recipient: text" lines to W.
type WriterSender struct {
	W  io.Writer
	mu sync.Mutex
}

// Send implements Sender.
func (s *WriterSender) Send(_ context.Context, recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.W, "%s: %s\n", recipient, text)
	return err
}

const (
	notificationsName   = "org.freedesktop.Notifications"
	notificationsPath   = "/org/freedesktop/Notifications"
	notificationsMethod = "org.freedesktop.Notifications.Notify"
)

// DBusSender shows desktop notifications through the freedesktop
// notification service. The recipient becomes the notification summary.
type DBusSender struct {
	AppName string
	obj     dbus.BusObject
	conn    *dbus.Conn
}

// NewDBusSender connects to the session bus.
func NewDBusSender(appName string) (*DBusSender, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return &DBusSender{
		AppName: appName,
		obj:     conn.Object(notificationsName, notificationsPath),
		conn:    conn,
	}, nil
}

// Send implements Sender.
func (s *DBusSender) Send(ctx context.Context, recipient, text string) error {
	call := s.obj.CallWithContext(ctx, notificationsMethod, 0,
		s.AppName, uint32(0), "", recipient, text,
		[]string{}, map[string]dbus.Variant{}, int32(-1))
	if call.Err != nil {
		return call.Err
	}
	var id uint32
	return call.Store(&id)
}

// Close releases the bus connection.
func (s *DBusSender) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
