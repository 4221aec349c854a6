package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/provtrail/provtrail/internal/config"
)

// Alert events.
const (
	EventChainTampered = "chain_tampered"
	EventSealBroken    = "seal_broken"
	EventChainRestored = "chain_restored"
)

// blockedCIDRs are RFC special-use ranges refused as webhook destinations
// unless private destinations are allowed.
var blockedCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",       // "This" network (RFC 1122)
		"10.0.0.0/8",      // Private-Use (RFC 1918)
		"100.64.0.0/10",   // Shared Address / CGN (RFC 6598)
		"127.0.0.0/8",     // Loopback (RFC 1122)
		"169.254.0.0/16",  // Link-Local (RFC 3927)
		"172.16.0.0/12",   // Private-Use (RFC 1918)
		"192.0.0.0/24",    // IETF Protocol Assignments (RFC 6890)
		"192.0.2.0/24",    // TEST-NET-1 (RFC 5737)
		"192.168.0.0/16",  // Private-Use (RFC 1918)
		"198.18.0.0/15",   // Benchmarking (RFC 2544)
		"198.51.100.0/24", // TEST-NET-2 (RFC 5737)
		"203.0.113.0/24",  // TEST-NET-3 (RFC 5737)
		"224.0.0.0/4",     // Multicast (RFC 5771)
		"240.0.0.0/4",     // Reserved (RFC 1112)
		"::1/128",         // IPv6 Loopback
		"fc00::/7",        // IPv6 Unique Local (RFC 4193)
		"fe80::/10",       // IPv6 Link-Local (RFC 4291)
		"2001:db8::/32",   // IPv6 Documentation (RFC 3849)
		"2002::/16",       // 6to4 (RFC 3056)
		"64:ff9b::/96",    // NAT64 (RFC 6052)
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, ipnet)
		}
	}
	return nets
}()

func isBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// safeDialContext resolves the host once, rejects blocked addresses and
// connects to the address it checked.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	for _, ip := range ips {
		if isBlockedIP(ip.IP) {
			return nil, fmt.Errorf("blocked: %s resolves to %s (private/reserved range)", host, ip.IP)
		}
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// Alert is the JSON body posted to webhooks without a template.
type Alert struct {
	Event      string   `json:"event"`
	PipelineID string   `json:"pipeline_id"`
	Path       string   `json:"path,omitempty"`
	Entries    int      `json:"entries"`
	Findings   int      `json:"findings"`
	Reasons    []string `json:"reasons,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// Webhooks posts alerts to the configured destinations.
type Webhooks struct {
	hooks        []config.Webhook
	allowPrivate bool
	client       *http.Client
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// NewWebhooks builds a notifier. Hooks with an invalid URL are logged and
// skipped. Unless allowPrivate is set, loopback, private and reserved
// destinations are refused both before and after DNS resolution.
func NewWebhooks(hooks []config.Webhook, allowPrivate bool, logger *slog.Logger) *Webhooks {
	w := &Webhooks{allowPrivate: allowPrivate, logger: logger}
	for _, wh := range hooks {
		if err := w.validateURL(wh.URL); err != nil {
			logger.Warn("skipping invalid webhook URL", "url", wh.URL, "error", err)
			continue
		}
		w.hooks = append(w.hooks, wh)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		transport.DialContext = safeDialContext
	}
	w.client = &http.Client{
		Timeout:   5 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return errors.New("too many redirects")
			}
			if err := w.validateURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect to blocked URL: %w", err)
			}
			return nil
		},
	}
	return w
}

// Len reports how many webhooks passed validation.
func (w *Webhooks) Len() int { return len(w.hooks) }

func (w *Webhooks) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhook URL must use http or https")
	}
	if u.Host == "" {
		return errors.New("webhook URL has no host")
	}
	if w.allowPrivate {
		return nil
	}
	host := u.Hostname()
	if looksLikeAlternativeIP(host) {
		return errors.New("webhook URL contains alternative IP encoding")
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return errors.New("webhook URL points to a blocked IP range")
	}
	return nil
}

// looksLikeAlternativeIP detects hex, octal and packed decimal host
// spellings that some HTTP stacks resolve to an address.
func looksLikeAlternativeIP(host string) bool {
	if len(host) > 2 && (host[:2] == "0x" || host[:2] == "0X") {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		for _, p := range parts {
			if len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X") {
				return true
			}
			if len(p) > 1 && p[0] == '0' && isAllDigits(p) {
				return true
			}
		}
	}
	return isAllDigits(host)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Notify sends a to every hook whose event filter matches. Delivery runs in
// the background; call Wait before exiting.
func (w *Webhooks) Notify(a Alert) {
	if a.Timestamp == "" {
		a.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	for _, wh := range w.hooks {
		if !matchesEvent(wh.Events, a.Event) {
			continue
		}
		body, err := renderBody(wh.Template, a)
		if err != nil {
			w.logger.Error("webhook marshal failed", "error", err)
			continue
		}
		w.wg.Add(1)
		go func(url string) {
			defer w.wg.Done()
			w.send(url, body)
		}(wh.URL)
	}
}

// Wait blocks until every pending delivery has finished.
func (w *Webhooks) Wait() { w.wg.Wait() }

func (w *Webhooks) send(url string, body []byte) {
	resp, err := w.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		w.logger.Warn("webhook returned error", "url", url, "status", resp.StatusCode)
	}
}

func renderBody(tmpl string, a Alert) ([]byte, error) {
	if tmpl == "" {
		return json.Marshal(a)
	}
	return []byte(RenderTemplate(tmpl, a)), nil
}

// RenderTemplate replaces {{EVENT}}, {{PIPELINE}}, {{PATH}}, {{ENTRIES}},
// {{FINDINGS}}, {{REASONS}}, {{DETAIL}} and {{TIMESTAMP}} in tmpl and wraps
// the text in Slack-compatible JSON: {"text":"..."}.
func RenderTemplate(tmpl string, a Alert) string {
	r := strings.NewReplacer(
		"{{EVENT}}", a.Event,
		"{{PIPELINE}}", a.PipelineID,
		"{{PATH}}", a.Path,
		"{{ENTRIES}}", strconv.Itoa(a.Entries),
		"{{FINDINGS}}", strconv.Itoa(a.Findings),
		"{{REASONS}}", strings.Join(a.Reasons, ", "),
		"{{DETAIL}}", a.Detail,
		"{{TIMESTAMP}}", a.Timestamp,
	)
	payload, _ := json.Marshal(map[string]string{"text": r.Replace(tmpl)})
	return string(payload)
}

// DefaultTemplate is a plain-text alert suitable for chat webhooks.
const DefaultTemplate = "*{{EVENT}}* on pipeline {{PIPELINE}}\n• Findings: {{FINDINGS}} ({{REASONS}})\n• First: {{DETAIL}}\n• At: {{TIMESTAMP}}"

func matchesEvent(configured []string, event string) bool {
	if len(configured) == 0 {
		return true
	}
	for _, e := range configured {
		if e == event {
			return true
		}
	}
	return false
}
