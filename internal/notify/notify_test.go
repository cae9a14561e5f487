package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChimeSilentUntilInit(t *testing.T) {
	var buf bytes.Buffer
	c := NewChime(&buf)
	assert.Equal(t, ChimeUninitialized, c.State())
	assert.False(t, c.Play())
	assert.Zero(t, buf.Len())

	c.Init()
	c.Init()
	assert.Equal(t, ChimeReady, c.State())
	assert.True(t, c.Play())
	assert.Equal(t, "\a", buf.String())
	assert.Equal(t, 1, c.Plays())
}

func TestHTTPNotifierPostsJSON(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Invitation
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/invitations", r.URL.Path)
		var inv Invitation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&inv))
		mu.Lock()
		got = append(got, inv)
		mu.Unlock()
		if inv.To == "bounce@example.com" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL + "/")
	require.NoError(t, n.Notify(context.Background(), Invitation{CallID: "c1", To: "guest@example.com"}))
	assert.Error(t, n.Notify(context.Background(), Invitation{CallID: "c1", To: "bounce@example.com"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "guest@example.com", got[0].To)
}

type countingNotifier struct {
	mu  sync.Mutex
	n   int
	err error
}

func (c *countingNotifier) Notify(context.Context, Invitation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.err
}

func TestDispatchIsFireAndForget(t *testing.T) {
	n := &countingNotifier{err: assert.AnError}
	done := make(chan struct{})
	Dispatch(n, time.Second, []Invitation{{To: "a"}, {To: "b"}}, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never finished")
	}
	n.mu.Lock()
	assert.Equal(t, 2, n.n)
	n.mu.Unlock()
}
