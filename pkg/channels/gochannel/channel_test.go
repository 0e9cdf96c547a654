package gochannel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTestChannel_PersistsForLateSubscribers(t *testing.T) {
	pubSub := CreateTestChannel(watermill.NopLogger{})
	defer pubSub.Close()

	require.NoError(t, pubSub.Publish("agent.github", message.NewMessage("t1", []byte(`{}`))))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, "agent.github")
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, "t1", msg.UUID)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
}
