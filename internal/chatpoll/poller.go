// Package chatpoll implements the Chat-Poll Ingress: an independent
// long-running process that long-polls a chat provider, filters by an
// authorized peer id, and translates inbound messages into HTTP Ingress
// schedule calls (spec.md §4.9).
package chatpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/reeve/internal/logging"
)

// Config configures the Poller.
type Config struct {
	APIToken       string // CHAT_API_TOKEN
	AuthorizedPeer string // CHAT_AUTHORIZED_PEER
	PulseAPIURL    string // PULSE_API_URL, base URL of the HTTP Ingress
	PulseAPIToken  string // bearer token for the HTTP Ingress call
	OffsetFile     string
	Source         string // chat provider name, used in translated prompts/tags
}

// FatalError is returned by Run when a non-retriable condition (auth
// rejection, repeated 4xx from the HTTP Ingress) requires the process to
// exit non-zero rather than keep retrying.
type FatalError struct{ msg string }

func (e *FatalError) Error() string { return e.msg }

// maxConsecutiveBadRequests bounds the "repeated 4xx" fatal class of
// spec.md §4.9: one bad schedule call is worth retrying (the HTTP Ingress
// may be mid-restart), but several in a row mean the translated request
// itself is malformed and will never succeed.
const maxConsecutiveBadRequests = 3

// Poller drives the long-poll loop.
type Poller struct {
	cfg    Config
	client *ChatClient
	http   *http.Client
	log    *logging.Logger

	consecutiveBadRequests int
}

func New(cfg Config, log *logging.Logger) *Poller {
	return &Poller{
		cfg:    cfg,
		client: NewChatClient(cfg.APIToken),
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    log.WithFields(zap.String("component", "chatpoll")),
	}
}

const maxBackoff = 5 * time.Minute

// Run polls until ctx is cancelled (clean exit, nil error) or a fatal
// condition occurs (non-nil *FatalError).
func (p *Poller) Run(ctx context.Context) error {
	offset, err := loadOffset(p.cfg.OffsetFile)
	if err != nil {
		return fmt.Errorf("chatpoll: load offset: %w", err)
	}
	p.log.Info("chat-poll ingress started", zap.Int64("offset", offset))

	backoff := time.Second
pollLoop:
	for {
		select {
		case <-ctx.Done():
			p.log.Info("chat-poll ingress stopping")
			return nil
		default:
		}

		updates, newOffset, err := p.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFatal(err) {
				return &FatalError{msg: err.Error()}
			}
			p.log.Error("get-updates failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			if !p.sleepBackoff(ctx, &backoff) {
				return nil
			}
			continue
		}

		for _, u := range updates {
			if u.FromID != p.cfg.AuthorizedPeer {
				// Non-matching messages are ignored but still advance the
				// offset, per spec.md §4.9.
				continue
			}
			if err := p.forward(ctx, u); err != nil {
				if fatal, ok := err.(*FatalError); ok {
					return fatal
				}
				// Transient (network, 5xx) failure: back off and retry the
				// same update on the next pass rather than exiting, per
				// spec.md §4.9. The offset is not advanced, so GetUpdates
				// will hand this update back again once retried.
				p.log.Error("failed to forward chat message, backing off", zap.Error(err), zap.Int64("update_id", u.ID), zap.Duration("backoff", backoff))
				if !p.sleepBackoff(ctx, &backoff) {
					return nil
				}
				continue pollLoop
			}
		}
		backoff = time.Second

		if newOffset != offset {
			offset = newOffset
			if err := saveOffset(p.cfg.OffsetFile, offset); err != nil {
				p.log.Error("failed to persist offset", zap.Error(err))
			}
		}
	}
}

// sleepBackoff waits for the current backoff duration (or ctx cancellation),
// then doubles it up to maxBackoff. Returns false if ctx was cancelled first.
func (p *Poller) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}

type schedulePayload struct {
	Prompt      string   `json:"prompt"`
	ScheduledAt string   `json:"scheduled_at"`
	Priority    string   `json:"priority"`
	Source      string   `json:"source"`
	Tags        []string `json:"tags"`
}

// forward translates one authorized inbound message into a
// POST /api/pulse/schedule call against the HTTP Ingress, per the exact
// field mapping in spec.md §4.9.
func (p *Poller) forward(ctx context.Context, u Update) error {
	who := u.FromName
	if who == "" {
		who = u.FromID
	}
	payload := schedulePayload{
		Prompt:      fmt.Sprintf("%s message from %s: %s", p.cfg.Source, who, u.Text),
		ScheduledAt: "now",
		Priority:    "critical",
		Source:      p.cfg.Source,
		Tags:        []string{p.cfg.Source, "user_message"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.PulseAPIURL+"/api/pulse/schedule", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.PulseAPIToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("schedule call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("schedule call returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		p.consecutiveBadRequests++
		if p.consecutiveBadRequests >= maxConsecutiveBadRequests {
			// Repeated 4xx from the HTTP Ingress is the other fatal class
			// named in spec.md §4.9: a malformed translated request will
			// never succeed by retrying.
			return &FatalError{msg: fmt.Sprintf("schedule call rejected with %d, %d times in a row", resp.StatusCode, p.consecutiveBadRequests)}
		}
		return fmt.Errorf("schedule call rejected with %d", resp.StatusCode)
	}

	p.consecutiveBadRequests = 0
	p.log.Info("forwarded chat message", zap.Int64("update_id", u.ID), zap.String("peer", u.FromID))
	return nil
}
