package checks

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// targetAddr resolves a monitor URL to a dialable host:port. Accepts full
// URLs ("scheme://host:port/path"), bare "host:port" pairs, and bare hosts
// (the default port is applied).
func targetAddr(rawURL, defaultPort string) (addr, host string, err error) {
	host, port, err := splitTarget(rawURL)
	if err != nil {
		return "", "", err
	}
	if port == "" {
		port = defaultPort
	}
	if port == "" {
		return "", "", fmt.Errorf("target %q has no port and no default applies", rawURL)
	}
	return net.JoinHostPort(host, port), host, nil
}

// targetHost resolves just the hostname of a monitor URL.
func targetHost(rawURL string) (string, error) {
	host, _, err := splitTarget(rawURL)
	return host, err
}

func splitTarget(rawURL string) (host, port string, err error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", "", fmt.Errorf("empty target url")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", "", fmt.Errorf("invalid target url %q: %w", rawURL, err)
		}
		if u.Host == "" {
			return "", "", fmt.Errorf("target url %q has no host", rawURL)
		}
		return u.Hostname(), u.Port(), nil
	}

	if h, p, err := net.SplitHostPort(raw); err == nil {
		return h, p, nil
	}
	// Bare hostname or IP without a port.
	return strings.Trim(raw, "[]"), "", nil
}
