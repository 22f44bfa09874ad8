package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls [][]string
	err   error
}

func (r *recorder) Invalidate(_ context.Context, _ string, folderIDs []string) error {
	r.calls = append(r.calls, folderIDs)
	return r.err
}

func TestMulti_DeliversToAll(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("cache down")}
	m := Multi{LogNotifier{}, bad, ok}

	err := m.Invalidate(context.Background(), "v1", []string{"a", "b"})
	assert.ErrorContains(t, err, "cache down")
	assert.Equal(t, [][]string{{"a", "b"}}, ok.calls)
	assert.Len(t, bad.calls, 1)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_PushesToVaultSubscribers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	v1 := dial(t, srv, "?vault=v1")
	v2 := dial(t, srv, "?vault=v2")
	require.Eventually(t, func() bool {
		return hub.Subscribers("v1") == 1 && hub.Subscribers("v2") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Invalidate(context.Background(), "v1", []string{RootFolder, "f9"}))

	_ = v1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := v1.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, Event{Type: "invalidate", VaultID: "v1", FolderIDs: []string{"root", "f9"}}, ev)

	_ = v2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = v2.ReadMessage()
	assert.Error(t, err, "other vaults receive nothing")
}

func TestHub_RemovesClosedSubscribers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "?vault=v1")
	require.Eventually(t, func() bool { return hub.Subscribers("v1") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("v1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RequiresVault(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHub().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	// A peer that accepts the connection and never reads.
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer sink.Close()

	hub := NewHub()
	s := &subscriber{
		vaultID:   "v1",
		conn:      dial(t, sink, ""),
		writeChan: make(chan []byte), // no writer: every send would block
		closeChan: make(chan struct{}),
	}
	hub.add(s)

	require.NoError(t, hub.Invalidate(context.Background(), "v1", []string{"f1"}))
	assert.Equal(t, 0, hub.Subscribers("v1"))
	assert.True(t, s.closed)
}
