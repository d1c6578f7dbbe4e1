// Package notify delivers job completion and failure notifications to
// configured webhook destinations.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Params configures the notification service
type Params struct {
	EnabledCompletion bool          // notify when a job completes
	EnabledError      bool          // notify when a job errors
	Timeout           time.Duration // per-delivery timeout, default 10s
}

// Service sends notifications to all configured destinations
type Service struct {
	destinations []notify.Notifier
	webhooks     []string
	onCompletion bool
	onError      bool
}

// NewService creates the notification service, nil if no webhooks configured
// or neither trigger enabled. A nil *Service is a valid no-op notifier from
// the caller's perspective (callers check for nil).
func NewService(p Params, webhookURLs []string) *Service {
	if len(webhookURLs) == 0 || (!p.EnabledCompletion && !p.EnabledError) {
		return nil
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	wh := notify.NewWebhook(notify.WebhookParams{
		Timeout: timeout,
		Headers: []string{"Content-Type:application/json"},
	})

	return &Service{
		destinations: []notify.Notifier{wh},
		webhooks:     webhookURLs,
		onCompletion: p.EnabledCompletion,
		onError:      p.EnabledError,
	}
}

// Send delivers the message to every webhook destination, collecting errors
func (s *Service) Send(ctx context.Context, subj, text string) error {
	body, err := json.Marshal(map[string]string{"subject": subj, "text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var errs []error
	for _, dest := range s.webhooks {
		sent := false
		for _, n := range s.destinations {
			if !strings.HasPrefix(dest, n.Schema()) {
				continue
			}
			log.Printf("[DEBUG] sending notification %q to %s", subj, dest)
			if err := n.Send(ctx, dest, string(body)); err != nil {
				errs = append(errs, fmt.Errorf("failed to send to %s: %w", dest, err))
			}
			sent = true
			break
		}
		if !sent {
			errs = append(errs, fmt.Errorf("no sender for destination %s", dest))
		}
	}
	return errors.Join(errs...)
}

// IsOnCompletion reports if completion notifications are enabled
func (s *Service) IsOnCompletion() bool { return s.onCompletion }

// IsOnError reports if error notifications are enabled
func (s *Service) IsOnError() bool { return s.onError }
