package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buildrelay/buildrelay/internal/domain"
	"github.com/go-resty/resty/v2"
)

const defaultWebhookTimeout = 10 * time.Second

const (
	webhookFieldURL    = "url"
	webhookFieldSecret = "secret"
)

// secretHeader carries the configured shared secret so receivers can
// authenticate the POST.
const secretHeader = "X-Buildrelay-Token"

type webhookPayload struct {
	RepositoryID string         `json:"repositoryId"`
	BuildID      string         `json:"buildId"`
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// WebhookPlugin POSTs build events as JSON to a configured endpoint.
// Any 2xx response is success; everything else, including timeout, fails.
type WebhookPlugin struct {
	client *resty.Client
}

func NewWebhookPlugin() *WebhookPlugin {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return &WebhookPlugin{client: client}
}

// NewWebhookPluginWithClient allows tests to inject a tuned client.
// The delivery retry policy belongs to the dispatcher, so the client never
// retries on its own.
func NewWebhookPluginWithClient(client *resty.Client) (*WebhookPlugin, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookPlugin{client: client}, nil
}

func (p *WebhookPlugin) Kind() domain.ChannelKind { return domain.KindWebhook }

func (p *WebhookPlugin) Schema() Schema {
	return Schema{
		webhookFieldURL:    {Type: FieldString, Required: true, Label: "Webhook URL"},
		webhookFieldSecret: {Type: FieldString, Sensitive: true, Label: "Shared secret"},
	}
}

func (p *WebhookPlugin) Validate(settings domain.Settings) error {
	if verr := p.Schema().Validate(settings); verr != nil {
		return verr
	}

	endpoint := strings.TrimSpace(settings[webhookFieldURL])
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return (&domain.ValidationError{}).Add(webhookFieldURL, "must be a valid URL")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return (&domain.ValidationError{}).Add(webhookFieldURL, "must use http or https")
	}

	return nil
}

func (p *WebhookPlugin) Deliver(ctx context.Context, event domain.BuildEvent, settings domain.Settings) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("webhook plugin is not initialized")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	endpoint := strings.TrimSpace(settings[webhookFieldURL])
	if endpoint == "" {
		return &ChannelError{Message: "webhook url is not configured"}
	}

	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{
			RepositoryID: event.RepositoryID,
			BuildID:      event.BuildID,
			Status:       strings.ToLower(event.Status.String()),
			Timestamp:    event.Timestamp,
			Payload:      event.Payload,
		})

	if secret := strings.TrimSpace(settings[webhookFieldSecret]); secret != "" {
		req.SetHeader(secretHeader, secret)
	}

	response, err := req.Post(endpoint)
	if err != nil {
		return &ChannelError{
			Message:   "webhook request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &ChannelError{
			Message:   "webhook returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &ChannelError{
		StatusCode: statusCode,
		Message:    endpointErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func endpointErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("endpoint returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
