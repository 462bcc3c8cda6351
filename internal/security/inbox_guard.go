// Package security は配送先の検証とリモート応答の無害化を提供する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrUnsafeInbox は配送先inboxが安全でない場合のエラー。
var ErrUnsafeInbox = errors.New("unsafe inbox URL")

// allowedSchemes は配送先として許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は配送先として許可しないネットワーク範囲。
// ValidateInboxでの静的検証に使用し、DNS解決後の検証はsafeurlのDialerが行う。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// blockedHostSuffixes は内部向けのホスト名。
var blockedHostSuffixes = []string{"localhost", ".localhost", ".local", ".internal"}

// InboxGuard は配送先inboxへのSSRFを防止する。
// リモートのアクター文書が指すinboxは任意のURLになり得るため、
// ファンアウト時の静的検証と配送時のDialer検証の二段で防ぐ。
type InboxGuard struct{}

// NewInboxGuard はInboxGuardを生成する。
func NewInboxGuard() *InboxGuard {
	return &InboxGuard{}
}

// NewDeliveryClient はSSRF防止機能付きの配送用HTTPクライアントを生成する。
// プライベートIP・ループバック・リンクローカル宛ての接続はDNS解決後に拒否される。
// リダイレクトは追従しない（inboxはPOSTのリダイレクト先を信頼できない）。
func (g *InboxGuard) NewDeliveryClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	client := safeurl.Client(config).Client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

// ValidateInbox は配送先inboxのURLを静的に検証する。
func (g *InboxGuard) ValidateInbox(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrUnsafeInbox)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeInbox, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("%w: disallowed scheme %q", ErrUnsafeInbox, scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrUnsafeInbox)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrUnsafeInbox)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: blocked IP address %s", ErrUnsafeInbox, ip)
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("%w: blocked host %s", ErrUnsafeInbox, host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, suffix := range blockedHostSuffixes {
		if lower == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
