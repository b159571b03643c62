package channel

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"testing"

	"github.com/buildrelay/buildrelay/internal/domain"
)

func emailSettings() domain.Settings {
	return domain.Settings{
		"smtp_host":     "mail.example.com",
		"smtp_port":     "587",
		"smtp_username": "relay",
		"smtp_password": "hunter22",
		"from_address":  "ci@example.com",
		"recipients":    "dev@example.com, ops@example.com",
	}
}

func TestEmailPluginDeliverSuccess(t *testing.T) {
	t.Parallel()

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string

	p, err := NewEmailPluginWithSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotFrom = from
		gotTo = to
		gotMsg = string(msg)
		return nil
	})
	if err != nil {
		t.Fatalf("NewEmailPluginWithSender() error = %v", err)
	}

	if err := p.Deliver(context.Background(), testEvent(), emailSettings()); err != nil {
		t.Fatalf("Deliver() unexpected error: %v", err)
	}

	if gotAddr != "mail.example.com:587" {
		t.Fatalf("addr = %q, want mail.example.com:587", gotAddr)
	}
	if gotFrom != "ci@example.com" {
		t.Fatalf("from = %q, want ci@example.com", gotFrom)
	}
	if len(gotTo) != 2 || gotTo[0] != "dev@example.com" || gotTo[1] != "ops@example.com" {
		t.Fatalf("to = %v, want both recipients", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: [buildrelay] build build-1 success") {
		t.Fatalf("message should carry the rendered subject, got:\n%s", gotMsg)
	}
	if !strings.Contains(gotMsg, "repository repo-1") {
		t.Fatalf("message body should mention the repository, got:\n%s", gotMsg)
	}
	if !strings.Contains(gotMsg, "Branch: main") {
		t.Fatalf("message body should mention the branch, got:\n%s", gotMsg)
	}
}

func TestEmailPluginDeliverSendFailureIsTransient(t *testing.T) {
	t.Parallel()

	p, err := NewEmailPluginWithSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return fmt.Errorf("connection refused")
	})
	if err != nil {
		t.Fatalf("NewEmailPluginWithSender() error = %v", err)
	}

	err = p.Deliver(context.Background(), testEvent(), emailSettings())
	if err == nil {
		t.Fatal("Deliver() expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("smtp failure should be transient, got %v", err)
	}
}

func TestEmailPluginValidate(t *testing.T) {
	t.Parallel()

	p := NewEmailPlugin()

	tests := []struct {
		name      string
		mutate    func(domain.Settings)
		wantField string
	}{
		{
			name:   "valid settings",
			mutate: func(s domain.Settings) {},
		},
		{
			name: "missing host",
			mutate: func(s domain.Settings) {
				delete(s, "smtp_host")
			},
			wantField: "smtp_host",
		},
		{
			name: "non-numeric port",
			mutate: func(s domain.Settings) {
				s["smtp_port"] = "smtp"
			},
			wantField: "smtp_port",
		},
		{
			name: "from without at-sign",
			mutate: func(s domain.Settings) {
				s["from_address"] = "not-an-address"
			},
			wantField: "from_address",
		},
		{
			name: "blank recipients",
			mutate: func(s domain.Settings) {
				s["recipients"] = " , ,"
			},
			wantField: "recipients",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			settings := emailSettings()
			tt.mutate(settings)

			err := p.Validate(settings)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}

			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %T, want *domain.ValidationError", err)
			}
			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected field error for %q, got %+v", tt.wantField, verr.Fields)
			}
		})
	}
}
