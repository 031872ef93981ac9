package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"golang.org/x/time/rate"
)

// EventSubscriber forwards job_finished and archive_trace events to WebSocket clients
type EventSubscriber struct {
	handler       *WebSocketHandler
	eventService  interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool          // Whitelist of events to broadcast (empty = allow all)
	throttlers    map[string]*rate.Limiter // Rate limiters for high-frequency events
}

// NewEventSubscriber creates an event subscriber with config-driven filtering and throttling
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *EventSubscriber {
	s := &EventSubscriber{
		handler:       handler,
		eventService:  eventService,
		logger:        logger,
		allowedEvents: make(map[string]bool),
		throttlers:    make(map[string]*rate.Limiter),
	}

	if config == nil {
		return s
	}

	for _, eventType := range config.AllowedEvents {
		s.allowedEvents[eventType] = true
	}

	for eventType, intervalStr := range config.ThrottleIntervals {
		duration, err := time.ParseDuration(intervalStr)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("event_type", eventType).
				Str("interval", intervalStr).
				Msg("Failed to parse throttle interval - skipping throttler")
			continue
		}
		s.throttlers[eventType] = rate.NewLimiter(rate.Every(duration), 1)
	}

	return s
}

// SubscribeAll registers the broadcast handler for every forwarded event type
func (s *EventSubscriber) SubscribeAll() error {
	if s.eventService == nil {
		s.logger.Warn().Msg("Cannot subscribe to events - eventService is nil")
		return nil
	}

	for _, eventType := range []interfaces.EventType{interfaces.EventJobFinished, interfaces.EventArchiveTrace} {
		if err := s.eventService.Subscribe(eventType, s.forward); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventSubscriber) forward(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(event.Type)) {
		return nil
	}

	s.handler.Broadcast(WSMessage{
		Type:    string(event.Type),
		Payload: event.Payload,
	})
	return nil
}

// shouldBroadcastEvent applies the whitelist and the throttler of the event type
func (s *EventSubscriber) shouldBroadcastEvent(eventType string) bool {
	if len(s.allowedEvents) > 0 && !s.allowedEvents[eventType] {
		return false
	}
	if limiter, ok := s.throttlers[eventType]; ok && !limiter.Allow() {
		return false
	}
	return true
}
