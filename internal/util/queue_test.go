package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueuePreservesOrder(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		select {
		case got := <-q.Out():
			require.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

func TestQueueCloseStopsDelivery(t *testing.T) {
	q := NewQueue[string]()
	q.Close()
	q.Close()
	q.Push("dropped")

	select {
	case _, ok := <-q.Out():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("out channel not closed")
	}
}
