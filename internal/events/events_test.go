package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func TestMulti_FansOutInOrder(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, nil, b}

	m.Publish(context.Background(), Event{Type: OptionOpened, AccountID: "x"})
	m.Publish(context.Background(), Event{Type: OptionClosed, AccountID: "x"})

	require.Len(t, a.events, 2)
	require.Len(t, b.events, 2)
	assert.Equal(t, OptionClosed, b.events[1].Type)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_KeysByAccount(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, time.Second)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	p.Publish(context.Background(), Event{Type: MarginCascade, AccountID: "acct-7", Timestamp: ts, Data: map[string]int{"liquidated": 2}})

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "acct-7", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "margin.cascade", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, MarginCascade, decoded.Type)
}

func TestKafkaPublisher_WriteFailureIsSwallowed(t *testing.T) {
	p := NewKafkaPublisher(&fakeWriter{err: errors.New("broker down")}, time.Second)
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), Event{Type: AccountDeposit, AccountID: "a"})
	})
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), Event{Type: OptionSettled, AccountID: "acct"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, OptionSettled, ev.Type)
	assert.Equal(t, "acct", ev.AccountID)
}

func TestHub_AccountSubscriptionFilters(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?account=bob"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), Event{Type: OptionOpened, AccountID: "alice"})
	hub.Publish(context.Background(), Event{Type: OptionClosed, AccountID: "bob"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, OptionClosed, ev.Type)
	assert.Equal(t, "bob", ev.AccountID)
}

func TestHub_ShutdownDisconnects(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
