package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookGuard はアラートWebhookの送信先を制限する。
// 送信先URLは設定から与えられるが、内部ネットワークへの到達を防ぐため
// 起動時の静的検証と、送信時のDialer検証の両方を行う。
type WebhookGuard interface {
	// NewClient はプライベート・ループバック・リンクローカル宛ての接続を
	// DNS解決後に拒否するHTTPクライアントを返す。
	NewClient(timeout time.Duration) *http.Client

	// ValidateURL はURLのスキーム・ホストを静的に検証する。
	ValidateURL(rawURL string) error
}

var webhookSchemes = []string{"http", "https"}

// blockedPrefixes はValidateURLで拒否するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC 1918
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC 1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC 1918
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // メタデータIP 169.254.169.254 を含む
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

type webhookGuard struct{}

// NewWebhookGuard はWebhookGuardを生成する。
func NewWebhookGuard() *webhookGuard {
	return &webhookGuard{}
}

// NewClient はsafeurlでラップしたHTTPクライアントを返す。
func (g *webhookGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(webhookSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はDNS解決を伴わない静的な検証を行う。
func (g *webhookGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty webhook URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", parsed.Scheme, webhookSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in webhook URL: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return fmt.Errorf("blocked IP address: %s", addr)
			}
		}
	}
	return nil
}

// compile-time interface check
var _ WebhookGuard = (*webhookGuard)(nil)
