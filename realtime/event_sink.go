package realtime

import (
	"context"
	"fmt"

	"github.com/howardjong/AgentPrice-sub003/observe"
)

// EventSink turns job and provider-state events into broadcasts. Other
// event kinds are ignored.
type EventSink struct {
	channel *Channel
}

func NewEventSink(channel *Channel) *EventSink {
	return &EventSink{channel: channel}
}

func (s *EventSink) Emit(ctx context.Context, e observe.Event) error {
	if s == nil || s.channel == nil {
		return nil
	}
	msg, ok := MessageForEvent(e)
	if !ok {
		return nil
	}
	s.channel.Broadcast(ctx, msg)
	return nil
}

// MessageForEvent maps an observe event onto a client message.
func MessageForEvent(e observe.Event) (Message, bool) {
	switch {
	case e.Kind == observe.KindJob && e.JobID != "":
		return Message{
			Type:      TypeResearch,
			Topic:     TopicResearch,
			Timestamp: e.Timestamp,
			Payload: JobUpdate{
				JobID:    e.JobID,
				Event:    e.Name,
				Status:   string(e.Status),
				Stage:    e.Stage,
				Progress: e.Progress,
				Provider: e.Provider,
				Message:  e.Message,
				Error:    e.Error,
			},
		}, true
	case e.Kind == observe.KindProvider && e.Name == observe.EventProviderState:
		return Message{
			Type:      TypeProvider,
			Topic:     TopicProviders,
			Timestamp: e.Timestamp,
			Payload: ProviderUpdate{
				Provider: e.Provider,
				From:     attr(e, "from"),
				To:       attr(e, "to"),
				Outcome:  attr(e, "outcome"),
			},
		}, true
	default:
		return Message{}, false
	}
}

func attr(e observe.Event, key string) string {
	v, ok := e.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
