// Package notify dispatches recovery and welcome messages. Every caller
// treats dispatch as fire-and-forget: a security decision never blocks on
// delivery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Template identifiers understood by the dispatcher.
const (
	TemplateRecovery = "recovery_secret"
	TemplateWelcome  = "welcome_to_resource"
)

// Dispatcher sends a templated message to an address. Implementations
// report errors for observability only; callers must not roll back state
// on failure.
type Dispatcher interface {
	Send(ctx context.Context, address, template string, vars map[string]string) error
}

// Discard is a Dispatcher that drops every message, used when no mail
// provider is configured.
type Discard struct{}

func (Discard) Send(ctx context.Context, address, template string, vars map[string]string) error {
	return nil
}

type message struct {
	subject string
	text    string
}

// Message bodies use ${var} placeholders filled from the dispatch vars.
var templates = map[string]message{
	TemplateRecovery: {
		subject: "Your temporary password",
		text: "You have tried to log in too many times, so we have reset your " +
			"password to a temporary one: ${temporary_secret}\n" +
			"Log in with it and choose a new password.",
	},
	TemplateWelcome: {
		subject: "You have been added to ${resource}",
		text: "You now have ${roles} access to ${resource}. " +
			"It will appear in your corpus list the next time you sync.",
	},
}

func render(tpl string, vars map[string]string) string {
	for key, value := range vars {
		tpl = strings.ReplaceAll(tpl, "${"+key+"}", value)
	}
	return tpl
}

// MailProvider posts messages to an HTTP mail API.
type MailProvider struct {
	url    string
	apiKey string
	from   string
	client *http.Client
}

// NewMailProvider configures a dispatcher for the given provider
// endpoint. The endpoint receives a JSON body {from, to, subject, text}.
func NewMailProvider(url, apiKey, from string) *MailProvider {
	return &MailProvider{
		url:    url,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *MailProvider) Send(ctx context.Context, address, template string, vars map[string]string) error {
	tpl, ok := templates[template]
	if !ok {
		return fmt.Errorf("notify: unknown template %q", template)
	}
	payload, err := json.Marshal(map[string]any{
		"from":    p.from,
		"to":      []string{address},
		"subject": render(tpl.subject, vars),
		"text":    render(tpl.text, vars),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: provider returned %d", resp.StatusCode)
	}
	return nil
}
