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

const (
	chatFieldURL      = "webhook_url"
	chatFieldUsername = "username"
)

// chatMessage is the Slack-compatible incoming-webhook payload.
type chatMessage struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
}

// ChatPlugin posts a formatted build summary to a chat incoming webhook.
type ChatPlugin struct {
	client *resty.Client
}

func NewChatPlugin() *ChatPlugin {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return &ChatPlugin{client: client}
}

func NewChatPluginWithClient(client *resty.Client) (*ChatPlugin, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &ChatPlugin{client: client}, nil
}

func (p *ChatPlugin) Kind() domain.ChannelKind { return domain.KindChat }

func (p *ChatPlugin) Schema() Schema {
	return Schema{
		chatFieldURL:      {Type: FieldString, Required: true, Label: "Chat webhook URL"},
		chatFieldUsername: {Type: FieldString, Label: "Bot username"},
	}
}

func (p *ChatPlugin) Validate(settings domain.Settings) error {
	if verr := p.Schema().Validate(settings); verr != nil {
		return verr
	}

	endpoint := strings.TrimSpace(settings[chatFieldURL])
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return (&domain.ValidationError{}).Add(chatFieldURL, "must be a valid URL")
	}

	return nil
}

func (p *ChatPlugin) Deliver(ctx context.Context, event domain.BuildEvent, settings domain.Settings) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("chat plugin is not initialized")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	endpoint := strings.TrimSpace(settings[chatFieldURL])
	if endpoint == "" {
		return &ChannelError{Message: "chat webhook url is not configured"}
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(chatMessage{
			Text:     FormatEventText(event),
			Username: strings.TrimSpace(settings[chatFieldUsername]),
		}).
		Post(endpoint)
	if err != nil {
		return &ChannelError{
			Message:   "chat request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &ChannelError{
			Message:   "chat returned empty response",
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

// FormatEventText renders the human-readable build summary shared by the
// chat and email channels.
func FormatEventText(event domain.BuildEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Build %s* for repository %s: %s",
		event.BuildID, event.RepositoryID, strings.ToLower(event.Status.String()))

	if branch, ok := event.Payload["branch"].(string); ok && branch != "" {
		fmt.Fprintf(&b, "\nbranch: %s", branch)
	}
	if commit, ok := event.Payload["commit"].(string); ok && commit != "" {
		fmt.Fprintf(&b, "\ncommit: %s", commit)
	}
	if !event.Timestamp.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", event.Timestamp.UTC().Format(time.RFC3339))
	}

	return b.String()
}
