package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPContextKey struct{}

// TrustedProxies はX-Forwarded-Forを信頼するリバースプロキシのアドレス範囲。
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies はCIDRまたは単一IPのリストからTrustedProxiesを作る。
// 空のリストはどのプロキシも信頼しない。
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := parseProxyEntry(entry)
		if err != nil {
			return nil, err
		}
		t.prefixes = append(t.prefixes, prefix)
	}
	return t, nil
}

// parseProxyEntry は"10.0.0.0/8"や"192.0.2.10"を範囲として解釈する。
func parseProxyEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Contains はaddrが信頼済みプロキシの範囲に含まれるかを返す。
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len は登録済みの範囲の数を返す。
func (t *TrustedProxies) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prefixes)
}

// NewClientIPMiddleware はリクエストごとにクライアントIPを解決してコンテキストに格納する。
// 接続元が信頼済みプロキシの場合だけX-Forwarded-Forを右から辿り、
// 最初に現れた信頼済みでないアドレスをクライアントとみなす。
func NewClientIPMiddleware(trusted *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, trusted)
			ctx := context.WithValue(r.Context(), clientIPContextKey{}, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP はリクエスト元のIPアドレスを返す。
// NewClientIPMiddlewareを通っていない場合は接続元アドレスを使う。
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPContextKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func resolveClientIP(r *http.Request, trusted *TrustedProxies) string {
	remote := remoteHost(r)
	if trusted.Len() == 0 {
		return remote
	}
	peer, err := netip.ParseAddr(remote)
	if err != nil || !trusted.Contains(peer) {
		return remote
	}

	hops := forwardedHops(r.Header)
	client := peer.Unmap()
	for i := len(hops) - 1; i >= 0; i-- {
		addr, ok := parseHop(hops[i])
		if !ok {
			// 読めない値より左は改ざんされている可能性があるので辿らない
			break
		}
		client = addr
		if !trusted.Contains(addr) {
			break
		}
	}
	return client.String()
}

// forwardedHops は複数のX-Forwarded-Forヘッダーを1つのホップ列にまとめる。
func forwardedHops(h http.Header) []string {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

func parseHop(hop string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(hop); err == nil {
		return addr.Unmap(), true
	}
	// "198.51.100.7:5123"や"[2001:db8::1]:443"の形式
	if ap, err := netip.ParseAddrPort(hop); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}
