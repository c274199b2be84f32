// ABOUTME: Best-effort WhatsApp push delivery through the Twilio Messages API
// ABOUTME: Normalizes recipient addresses and never fails the enclosing request

package push

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microaistudio/wa-llm-gateway/internal/config"
)

// sendTimeout bounds one provider call; delivery is at-most-once and a
// slow provider must not hold the request open.
const sendTimeout = 10 * time.Second

const previewLen = 140

// Dispatcher sends finished answers to a WhatsApp recipient via Twilio.
// All provider failures are reported as a return value for the caller to
// log; they never abort the enclosing request.
type Dispatcher struct {
	enabled    bool
	accountSID string
	authToken  string
	from       string
	apiBase    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Dispatcher from Twilio configuration.
func New(cfg config.TwilioConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		enabled:    cfg.Enabled,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		httpClient: &http.Client{Timeout: sendTimeout},
		logger:     logger,
	}
}

// Configured reports whether the provider is enabled and fully credentialed.
func (d *Dispatcher) Configured() bool {
	return d.enabled && d.accountSID != "" && d.authToken != "" && d.from != ""
}

// NormalizeWhatsApp repairs a WhatsApp recipient address where unambiguous:
// "whatsapp: 1555..." gains the required plus sign, and a bare digit after
// the channel prefix is promoted to "+digit". Anything else passes through
// unchanged and will fail at the provider.
func NormalizeWhatsApp(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "whatsapp: ", "whatsapp:+")
	if !strings.HasPrefix(s, "whatsapp:") {
		return s
	}

	left, right, _ := strings.Cut(s, ":")
	right = strings.TrimSpace(right)
	if right != "" && right[0] >= '0' && right[0] <= '9' {
		right = "+" + right
	}
	return left + ":" + right
}

// Send delivers text to the recipient. Missing configuration is a logged
// no-op, not an error; provider failures are returned for the caller to
// log and swallow.
func (d *Dispatcher) Send(ctx context.Context, to, text string) error {
	if !d.Configured() {
		d.logger.Warn("push skipped: provider not configured")
		return nil
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", d.apiBase, d.accountSID)
	form := url.Values{
		"From": {d.from},
		"To":   {NormalizeWhatsApp(to)},
		"Body": {text},
	}

	callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.accountSID, d.authToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	d.logger.Info("push sent", "to", form.Get("To"), "preview", preview(text))
	return nil
}

// preview flattens newlines and truncates the body for log lines.
// Truncation counts runes so multibyte answers stay valid UTF-8.
func preview(text string) string {
	flat := strings.ReplaceAll(text, "\n", " ")
	r := []rune(flat)
	if len(r) > previewLen {
		flat = string(r[:previewLen])
	}
	return flat
}
