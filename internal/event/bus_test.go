package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeReceivesMatchingTopics(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(4, TopicJobQueued)
	defer cancel()

	b.Publish(JobQueued{JobID: "j1"})
	b.Publish(Notification{Severity: "info"}) // filtered out
	b.Publish(JobQueued{JobID: "j2"})

	assert.Equal(t, "j1", recv(t, ch).(JobQueued).JobID)
	assert.Equal(t, "j2", recv(t, ch).(JobQueued).JobID)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestSubscribeWithoutTopicsReceivesAll(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(JobQueued{JobID: "j1"})
	b.Publish(Notification{Severity: "info"})

	assert.Equal(t, TopicJobQueued, recv(t, ch).Topic())
	assert.Equal(t, TopicNotification, recv(t, ch).Topic())
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1, TopicJobQueued)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Two more than the buffer holds; extra events are dropped.
		for i := 0; i < 3; i++ {
			b.Publish(JobQueued{JobID: "j"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	require.NotNil(t, recv(t, ch))
	select {
	case <-ch:
		t.Fatal("dropped events must not be delivered")
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)

	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// Cancelling twice and publishing afterwards are both safe.
	cancel()
	b.Publish(JobQueued{JobID: "j1"})
}
