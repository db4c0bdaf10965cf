package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent  []string
	times []time.Time
	fail  map[string]error
}

func (s *recordingSender) Send(_ context.Context, recipient, text string) error {
	s.times = append(s.times, time.Now())
	if err := s.fail[recipient]; err != nil {
		return err
	}
	s.sent = append(s.sent, recipient+"|"+text)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelaySend(t *testing.T) {
	sender := &recordingSender{}
	r := &Relay{
		Recipients: []string{"a@example.com", "b@example.com", "c@example.com"},
		Pause:      20 * time.Millisecond,
		Sender:     sender,
		Logger:     quietLogger(),
	}

	require.NoError(t, r.Send(context.Background(), "merge done"))
	assert.Equal(t, []string{
		"a@example.com|merge done",
		"b@example.com|merge done",
		"c@example.com|merge done",
	}, sender.sent)

	for i := 1; i < len(sender.times); i++ {
		assert.GreaterOrEqual(t, sender.times[i].Sub(sender.times[i-1]), 20*time.Millisecond)
	}
}

func TestRelayContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	sender := &recordingSender{fail: map[string]error{"b": boom}}
	r := &Relay{Recipients: []string{"a", "b", "c"}, Sender: sender, Logger: quietLogger()}

	err := r.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "notify b")
	assert.Equal(t, []string{"a|hi", "c|hi"}, sender.sent)
}

func TestRelayNoRecipients(t *testing.T) {
	r := &Relay{Sender: &recordingSender{}}
	assert.ErrorIs(t, r.Send(context.Background(), "hi"), ErrNoRecipients)
}

func TestRelayCancelled(t *testing.T) {
	sender := &recordingSender{}
	r := &Relay{Recipients: []string{"a", "b"}, Pause: time.Hour, Sender: sender, Logger: quietLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.Send(ctx, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"a|hi"}, sender.sent)
}

func TestWriterSender(t *testing.T) {
	var buf bytes.Buffer
	r := &Relay{Recipients: []string{"a", "b"}, Sender: &WriterSender{W: &buf}, Logger: quietLogger()}

	require.NoError(t, r.Send(context.Background(), "ping"))
	assert.Equal(t, "a: ping\nb: ping\n", buf.String())
}

type fakeBusObject struct {
	dbus.BusObject
	method string
	args   []interface{}
	err    error
}

func (f *fakeBusObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	f.method = method
	f.args = args
	if f.err != nil {
		return &dbus.Call{Err: f.err}
	}
	return &dbus.Call{Body: []interface{}{uint32(7)}}
}

func TestDBusSender(t *testing.T) {
	obj := &fakeBusObject{}
	s := &DBusSender{AppName: "tagtime", obj: obj}

	require.NoError(t, s.Send(context.Background(), "alice", "3 pings missed"))
	assert.Equal(t, notificationsMethod, obj.method)
	require.Len(t, obj.args, 8)
	assert.Equal(t, "tagtime", obj.args[0])
	assert.Equal(t, "alice", obj.args[3])
	assert.Equal(t, "3 pings missed", obj.args[4])
	assert.Equal(t, int32(-1), obj.args[7])

	obj.err = errors.New("no service")
	assert.Error(t, s.Send(context.Background(), "alice", "x"))
	assert.NoError(t, (&DBusSender{}).Close())
}
