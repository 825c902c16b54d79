// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewHub(8)
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(Event{Type: FlowOpened, Service: "vault"})

	select {
	case ev := <-ch:
		assert.Equal(t, FlowOpened, ev.Type)
		assert.Equal(t, "vault", ev.Service)
		assert.False(t, ev.Time.IsZero(), "publish stamps the time")
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestRecentRingOrder(t *testing.T) {
	hub := NewHub(4)
	for i := 0; i < 6; i++ {
		hub.Publish(Event{Type: FlowClosed, Fields: map[string]any{"n": i}})
	}

	recent := hub.Recent()
	require.Len(t, recent, 4)
	for i, ev := range recent {
		assert.Equal(t, i+2, ev.Fields["n"], "oldest events evicted first")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(8)
	_, cancel := hub.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			hub.Publish(Event{Type: CaptureRotated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewHub(8)
	ch, cancel := hub.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancellation must not panic.
	hub.Publish(Event{Type: BackendUp})
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewHub(16)
	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < 4; i++ {
		go func(n int) {
			for j := 0; j < 10; j++ {
				hub.Publish(Event{Type: BackendDown, Service: fmt.Sprintf("svc-%d", n)})
			}
		}(i)
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 40 {
		select {
		case <-ch:
			received++
		case <-timeout:
			t.Fatalf("received %d of 40 events", received)
		}
	}
}
