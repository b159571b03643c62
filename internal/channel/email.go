package channel

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"

	"github.com/buildrelay/buildrelay/internal/domain"
)

const (
	emailFieldHost       = "smtp_host"
	emailFieldPort       = "smtp_port"
	emailFieldUsername   = "smtp_username"
	emailFieldPassword   = "smtp_password"
	emailFieldFrom       = "from_address"
	emailFieldRecipients = "recipients"
)

var emailSubjectTemplate = template.Must(template.New("subject").Parse(
	"[buildrelay] build {{.BuildID}} {{.Status}}"))

var emailBodyTemplate = template.Must(template.New("body").Parse(
	`Build {{.BuildID}} for repository {{.RepositoryID}} finished with status {{.Status}}.
{{if .Branch}}Branch: {{.Branch}}
{{end}}{{if .Commit}}Commit: {{.Commit}}
{{end}}Timestamp: {{.Timestamp}}
`))

type emailTemplateData struct {
	RepositoryID string
	BuildID      string
	Status       string
	Branch       string
	Commit       string
	Timestamp    string
}

// sendMailFunc matches smtp.SendMail and is injectable for tests.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailPlugin renders build summaries and sends them over SMTP.
type EmailPlugin struct {
	sendMail sendMailFunc
}

func NewEmailPlugin() *EmailPlugin {
	return &EmailPlugin{sendMail: smtp.SendMail}
}

// NewEmailPluginWithSender allows tests to intercept the SMTP call.
func NewEmailPluginWithSender(sendMail sendMailFunc) (*EmailPlugin, error) {
	if sendMail == nil {
		return nil, fmt.Errorf("send mail func is required")
	}
	return &EmailPlugin{sendMail: sendMail}, nil
}

func (p *EmailPlugin) Kind() domain.ChannelKind { return domain.KindEmail }

func (p *EmailPlugin) Schema() Schema {
	return Schema{
		emailFieldHost:       {Type: FieldString, Required: true, Label: "SMTP host"},
		emailFieldPort:       {Type: FieldInt, Required: true, Label: "SMTP port"},
		emailFieldUsername:   {Type: FieldString, Label: "SMTP username"},
		emailFieldPassword:   {Type: FieldString, Sensitive: true, Label: "SMTP password"},
		emailFieldFrom:       {Type: FieldString, Required: true, Label: "From address"},
		emailFieldRecipients: {Type: FieldList, Required: true, Label: "Recipients"},
	}
}

func (p *EmailPlugin) Validate(settings domain.Settings) error {
	if verr := p.Schema().Validate(settings); verr != nil {
		return verr
	}

	verr := &domain.ValidationError{}

	if port, err := strconv.Atoi(strings.TrimSpace(settings[emailFieldPort])); err != nil || port < 1 || port > 65535 {
		verr.Add(emailFieldPort, "must be a port number between 1 and 65535")
	}
	if !strings.Contains(settings[emailFieldFrom], "@") {
		verr.Add(emailFieldFrom, "must be an email address")
	}

	recipients := SplitList(settings[emailFieldRecipients])
	if len(recipients) == 0 {
		verr.Add(emailFieldRecipients, "must include at least one address")
	}
	for _, r := range recipients {
		if !strings.Contains(r, "@") {
			verr.Add(emailFieldRecipients, fmt.Sprintf("%q is not an email address", r))
			break
		}
	}

	if verr.Empty() {
		return nil
	}
	return verr
}

func (p *EmailPlugin) Deliver(ctx context.Context, event domain.BuildEvent, settings domain.Settings) error {
	if p == nil || p.sendMail == nil {
		return fmt.Errorf("email plugin is not initialized")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	host := strings.TrimSpace(settings[emailFieldHost])
	from := strings.TrimSpace(settings[emailFieldFrom])
	recipients := SplitList(settings[emailFieldRecipients])
	if host == "" || from == "" || len(recipients) == 0 {
		return &ChannelError{Message: "email settings are incomplete"}
	}

	subject, body, err := renderEmail(event)
	if err != nil {
		return fmt.Errorf("failed to render email: %w", err)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		from, strings.Join(recipients, ", "), subject, body)

	var auth smtp.Auth
	if username := strings.TrimSpace(settings[emailFieldUsername]); username != "" {
		auth = smtp.PlainAuth("", username, settings[emailFieldPassword], host)
	}

	addr := fmt.Sprintf("%s:%s", host, strings.TrimSpace(settings[emailFieldPort]))
	if err := p.sendMail(addr, auth, from, recipients, []byte(msg)); err != nil {
		// SMTP failures are connection or relay problems; treat as transient
		// unless the context was cancelled.
		return &ChannelError{
			Message:   "smtp send failed",
			Transient: ctx.Err() == nil,
			Cause:     err,
		}
	}

	return nil
}

func renderEmail(event domain.BuildEvent) (string, string, error) {
	data := emailTemplateData{
		RepositoryID: event.RepositoryID,
		BuildID:      event.BuildID,
		Status:       strings.ToLower(event.Status.String()),
		Timestamp:    event.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
	}
	if branch, ok := event.Payload["branch"].(string); ok {
		data.Branch = branch
	}
	if commit, ok := event.Payload["commit"].(string); ok {
		data.Commit = commit
	}

	var subject strings.Builder
	if err := emailSubjectTemplate.Execute(&subject, data); err != nil {
		return "", "", err
	}

	var body strings.Builder
	if err := emailBodyTemplate.Execute(&body, data); err != nil {
		return "", "", err
	}

	return subject.String(), body.String(), nil
}
