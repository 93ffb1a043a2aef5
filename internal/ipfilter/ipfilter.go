// Package ipfilter restricts HTTP listeners to configured networks
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Filter checks client addresses against allowed networks.
// An empty filter allows everything.
type Filter struct {
	networks []*net.IPNet
	logger   *slog.Logger
}

// New creates a filter from IPs and CIDRs. Invalid entries are logged
// and skipped.
func New(entries []string, logger *slog.Logger) *Filter {
	networks, invalid := ParseNetworks(entries)
	for _, entry := range invalid {
		logger.Warn("invalid entry in allowed_ips", "entry", entry)
	}
	return &Filter{networks: networks, logger: logger}
}

// ParseNetworks parses IPs and CIDRs. Single IPs become /32 or /128
// networks. Unparseable entries are returned separately.
func ParseNetworks(entries []string) (networks []*net.IPNet, invalid []string) {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				invalid = append(invalid, entry)
				continue
			}
			networks = append(networks, ipNet)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			invalid = append(invalid, entry)
			continue
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		networks = append(networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return networks, invalid
}

// Enabled returns true if filtering is active
func (f *Filter) Enabled() bool {
	return len(f.networks) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.networks)
}

// Allows reports whether ip may connect
func (f *Filter) Allows(ip net.IP) bool {
	if len(f.networks) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, n := range f.networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP extracts the client address, preferring X-Forwarded-For and
// X-Real-IP over the connection address.
func ClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// Middleware rejects requests from addresses outside the allowed networks
func (f *Filter) Middleware(next http.Handler) http.Handler {
	if !f.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !f.Allows(ip) {
			f.logger.Warn("access denied by IP filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
