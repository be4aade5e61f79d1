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

// maxProviderRedirects はIdPへのリクエストで追従するリダイレクトの上限。
const maxProviderRedirects = 3

// blockedNetworks は外部IdPへの通信として許可しないネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（メタデータIP 169.254.169.254 を含む）
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

// EgressGuard は外部IdP（トークン交換・ユーザー情報取得）への送信を制限する。
// 内部ネットワークやメタデータIPへの送信をDialerレベルで拒否する。
type EgressGuard struct{}

// NewEgressGuard はEgressGuardを生成する。
func NewEgressGuard() *EgressGuard {
	return &EgressGuard{}
}

// NewProviderClient はIdP通信用のHTTPクライアントを生成する。
// safeurlによりDNS解決後のIPアドレスも検証される。
// リダイレクト先もValidateEndpointで検証する。
func (g *EgressGuard) NewProviderClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	client := safeurl.Client(config).Client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxProviderRedirects {
			return errors.New("too many redirects from identity provider")
		}
		return g.ValidateEndpoint(req.URL.String())
	}
	return client
}

// ValidateEndpoint はIdPエンドポイントURLを静的に検証する。
// httpsのみ許可し、内部アドレスとlocalhostを拒否する。
func (g *EgressGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return errors.New("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
