package sse

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austenmoss/testforge/internal/pkg/logger"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return NewHub(log)
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	hub := newHub(t)
	requestID := uuid.New()
	channel := RequestChannel(requestID)

	client := hub.NewClient()
	hub.AddChannel(client, channel)

	stages := []string{"reconnaissance", "generation", "validation", "optimization"}
	for i, stage := range stages {
		hub.Broadcast(Message{
			Channel: channel,
			Event:   "progress",
			Data: ProgressEvent{
				RequestID:  requestID,
				Stage:      stage,
				Status:     stage,
				StepNumber: i + 1,
				Timestamp:  time.Now(),
			},
		})
	}

	for i, stage := range stages {
		select {
		case msg := <-client.Outbound:
			assert.Equal(t, stage, msg.Data.Stage)
			assert.Equal(t, i+1, msg.Data.StepNumber)
		default:
			t.Fatalf("expected buffered message %d", i)
		}
	}
}

func TestBroadcastOnlyReachesSubscribedChannel(t *testing.T) {
	hub := newHub(t)
	a := hub.NewClient()
	b := hub.NewClient()
	hub.AddChannel(a, "request:a")
	hub.AddChannel(b, "request:b")

	hub.Broadcast(Message{Channel: "request:a", Data: ProgressEvent{Stage: "generation"}})

	select {
	case <-a.Outbound:
	default:
		t.Fatal("subscriber a should have received the message")
	}
	select {
	case <-b.Outbound:
		t.Fatal("subscriber b should not have received the message")
	default:
	}
}

func TestRemoveClientCleansSubscriptions(t *testing.T) {
	hub := newHub(t)
	c := hub.NewClient()
	hub.AddChannel(c, "request:x")
	require.True(t, hub.HasLocalSubscriber("request:x"))

	hub.RemoveClient(c)
	assert.False(t, hub.HasLocalSubscriber("request:x"))
}

func TestStageStep(t *testing.T) {
	assert.Equal(t, 1, StageStep("reconnaissance"))
	assert.Equal(t, 4, StageStep("optimization"))
	assert.Equal(t, 0, StageStep("queued"))
}
