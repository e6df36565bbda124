// Package security は外部IdPとのやり取りで受け取る値を安全に扱うための機能を提供する。
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

// SSRFGuardService は外部IdPへのHTTP通信とIdPから受け取るURLを検証する。
type SSRFGuardService interface {
	// NewSafeClient はプライベートIP・ループバック・メタデータIPへの接続を
	// Dialerレベルで拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はURLのスキームとホストを静的に検証する。
	ValidateURL(rawURL string) error

	// SafeAvatarURL はIdPが返したアバターURLが安全な場合のみそのまま返し、
	// それ以外は空文字列を返す。
	SafeAvatarURL(rawURL string) string
}

// blockedPrefixes は接続先として許可しないネットワーク範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	// クラウドメタデータIP (169.254.169.254) を含む
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// maxAvatarURLLength は保存するアバターURLの最大長。
const maxAvatarURLLength = 2048

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct{}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はIdPのトークン・ユーザー情報エンドポイント呼び出し用のクライアントを生成する。
// safeurlはDNS解決後のIPアドレスを検証するため、DNS再バインディングにも対応する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLのスキームとホストを静的に検証する。
// http/httpsのみ許可し、ブロック対象のIPリテラルとlocalhostを拒否する。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("disallowed scheme: %s", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && isBlockedAddr(addr) {
		return fmt.Errorf("blocked IP address: %s", addr)
	}
	return nil
}

// SafeAvatarURL はhttpsかつ検証を通過するURLのみ返す。
func (g *ssrfGuard) SafeAvatarURL(rawURL string) string {
	if rawURL == "" || len(rawURL) > maxAvatarURLLength {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(rawURL), "https://") {
		return ""
	}
	if err := g.ValidateURL(rawURL); err != nil {
		return ""
	}
	return rawURL
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ SSRFGuardService = (*ssrfGuard)(nil)
