package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warden/internal/domain"
)

// privateRanges lists all private/reserved CIDR blocks a plugin may not reach.
var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var parsedRanges []*net.IPNet

func init() {
	for _, cidr := range privateRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		parsedRanges = append(parsedRanges, ipnet)
	}
}

// ValidateURL checks that a URL uses http or https and, when its host is an
// IP literal, that the address is public. Host names are checked at dial
// time by NewSSRFSafeTransport.
func ValidateURL(rawURL string) error {
	const op = "ValidateURL"
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("invalid URL: %v", err))
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return domain.NewDomainError(op, domain.ErrInvalidInput, "missing URL scheme, only http/https allowed")
	default:
		return domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "empty hostname")
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return domain.NewDomainError(op, domain.ErrPrivateNetwork, fmt.Sprintf("IP %s is private/reserved", ip))
	}
	return nil
}

// IsPrivateIP checks if an IP falls within any private/reserved range.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipnet := range parsedRanges {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// NewSSRFSafeTransport creates an HTTP transport that resolves the target
// once, rejects private/reserved addresses, and dials the validated IP
// directly so DNS cannot change between check and connect.
func NewSSRFSafeTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			const op = "SSRFSafeTransport.Dial"
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}

			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("%s: DNS lookup failed for %s: %w", op, host, err)
			}
			if len(ips) == 0 {
				return nil, domain.NewDomainError(op, domain.ErrNotFound, host)
			}
			for _, ip := range ips {
				if IsPrivateIP(ip.IP) {
					return nil, domain.NewDomainError(op, domain.ErrPrivateNetwork,
						fmt.Sprintf("%s resolves to private IP %s", host, ip.IP))
				}
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
}
