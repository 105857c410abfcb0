package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

const (
	criticalColor = 0xE74C3C
	infoColor     = 0x3498DB

	// Discord rejects embeds with longer fields.
	maxEmbedTitle       = 256
	maxEmbedDescription = 4096

	discordAttempts = 3
)

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender posts events as embeds to a Discord webhook. Rate-limited
// and 5xx responses are retried a few times, honouring Retry-After.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
	backoff    backoff.Backoff
	now        func() time.Time
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "perpbot",
		client:     &http.Client{Timeout: 10 * time.Second},
		backoff:    backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2},
		now:        time.Now,
	}
}

func (d *DiscordSender) Name() string { return "discord" }

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	embed := discordEmbed{
		Title:       truncate(title, maxEmbedTitle),
		Description: truncate(message, maxEmbedDescription),
		Color:       infoColor,
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	}
	if strings.HasPrefix(title, "CRITICAL") {
		embed.Color = criticalColor
	}
	body, err := json.Marshal(discordPayload{Username: d.username, Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	b := d.backoff
	for attempt := 1; ; attempt++ {
		wait, err := d.post(ctx, body)
		if err == nil {
			return nil
		}
		if wait < 0 || attempt == discordAttempts {
			return err
		}
		if wait == 0 {
			wait = b.Duration()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("discord: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// post sends one request. The returned duration is negative when the failure
// is permanent, zero for "retry with backoff", or the server's Retry-After.
func (d *DiscordSender) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return -1, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return -1, fmt.Errorf("discord: send: %w", err)
		}
		return 0, fmt.Errorf("discord: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("discord: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryAfter(resp.Header.Get("Retry-After")), err
	case resp.StatusCode >= 500:
		return 0, err
	default:
		return -1, err
	}
}

// retryAfter parses Retry-After seconds (fractional values allowed). Unknown
// values fall back to backoff.
func retryAfter(v string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
