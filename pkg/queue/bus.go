package queue

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/conductor/pkg/events"
	"github.com/dukex/conductor/pkg/models"
)

// Bus publishes on the queue substrate using Addresses for routing.
type Bus struct {
	publisher message.Publisher
	addresses *Addresses
}

func NewBus(publisher message.Publisher, addresses *Addresses) *Bus {
	return &Bus{publisher: publisher, addresses: addresses}
}

func (b *Bus) Addresses() *Addresses {
	return b.addresses
}

// PublishWorkItem sends item to its agent's queue.
func (b *Bus) PublishWorkItem(ctx context.Context, item models.WorkItem) error {
	topic, err := b.addresses.Address(item.Agent)
	if err != nil {
		return err
	}

	agentMessage, err := events.NewAgentMessage(item)
	if err != nil {
		return err
	}

	msg, err := agentMessage.Message(item.Agent)
	if err != nil {
		return err
	}

	msg.SetContext(ctx)

	return b.publisher.Publish(topic, msg)
}

// PublishCompletion reports a completion on the results queue, the way an
// agent does.
func (b *Bus) PublishCompletion(ctx context.Context, completion events.Completion) error {
	msg, err := completion.Message(watermill.NewULID())
	if err != nil {
		return err
	}

	msg.SetContext(ctx)

	return b.publisher.Publish(b.addresses.Results(), msg)
}

func (b *Bus) Close() error {
	return b.publisher.Close()
}
