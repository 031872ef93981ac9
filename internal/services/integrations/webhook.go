package integrations

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/httpclient"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
	"golang.org/x/sync/errgroup"
)

// WebhookSender posts archive_trace payloads to the configured webhook URLs
type WebhookSender struct {
	urls   []string
	client *http.Client
	logger arbor.ILogger
}

// NewWebhookSender creates a sender using the integrations configuration
func NewWebhookSender(config common.IntegrationsConfig, logger arbor.ILogger) *WebhookSender {
	return &WebhookSender{
		urls:   append([]string(nil), config.WebhookURLs...),
		client: httpclient.NewDefaultHTTPClient(config.WebhookTimeoutDuration()),
		logger: logger,
	}
}

// Subscribe registers the sender for EventArchiveTrace. No-op without URLs.
func (w *WebhookSender) Subscribe(eventService interfaces.EventService) error {
	if len(w.urls) == 0 {
		return nil
	}
	return eventService.Subscribe(interfaces.EventArchiveTrace, w.HandleEvent)
}

// HandleEvent delivers one event to every URL in parallel. Delivery failures are
// logged and never returned.
func (w *WebhookSender) HandleEvent(ctx context.Context, event interfaces.Event) error {
	data, ok := event.Payload.(*models.ArchiveTraceData)
	if !ok {
		return fmt.Errorf("unexpected archive_trace payload %T", event.Payload)
	}

	var g errgroup.Group
	for _, url := range w.urls {
		g.Go(func() error {
			if err := httpclient.PostJSON(ctx, w.client, url, data); err != nil {
				w.logger.Warn().
					Err(err).
					Str("job_id", data.JobID).
					Str("url", url).
					Msg("Failed to deliver archive_trace webhook")
				return nil
			}
			w.logger.Debug().
				Str("job_id", data.JobID).
				Str("url", url).
				Msg("archive_trace webhook delivered")
			return nil
		})
	}

	return g.Wait()
}
