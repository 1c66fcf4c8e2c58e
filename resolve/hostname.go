// Package resolve implements the reverse-DNS short-hostname resolution
// used by session creation (spec §4.7 step 1): reverse-resolve the client
// IP, falling back to the dotted-quad address, and strip to a short
// (single-label) hostname.
package resolve

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Timeout bounds a single reverse-lookup attempt; DNS failure is never
// fatal to session creation, only slow enough to matter. ShortHostname runs
// synchronously on the daemon's single dispatch goroutine (spec §4.7 step
// 1), so this is the one suspension point in session creation worth keeping
// short: a server that is slow to answer (rather than simply unreachable)
// stalls the whole event loop for up to Timeout.
const Timeout = 500 * time.Millisecond

// ShortHostname resolves ip to a short hostname: a reverse (PTR) lookup
// with the domain suffix stripped, or the dotted-quad address if the
// lookup fails or returns nothing usable.
func ShortHostname(ip net.IP) string {
	fallback := ip.String()

	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return fallback
	}

	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return fallback
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: Timeout}
	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)

	resp, _, err := client.Exchange(m, server)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return fallback
	}

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return shortLabel(ptr.Ptr)
		}
	}
	return fallback
}

// shortLabel strips a fully-qualified domain name down to its first label,
// e.g. "nodea.example.com." -> "nodea". Case is left as the PTR record has
// it; the trailing root dot and any domain suffix are removed.
func shortLabel(fqdn string) string {
	fqdn = strings.TrimSuffix(fqdn, ".")
	if i := strings.IndexByte(fqdn, '.'); i >= 0 {
		return fqdn[:i]
	}
	return fqdn
}
