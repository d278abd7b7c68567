package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/siptty/siptty/internal/phone/engine"
)

// Resolver finds the host:port to send to for a SIP host (RFC 3263 SRV step).
type Resolver struct {
	// NameServer overrides /etc/resolv.conf, "host" or "host:port".
	NameServer string
	Timeout    time.Duration
}

// srvName returns the SRV owner name for a transport.
func srvName(kind engine.TransportKind, host string) string {
	switch kind {
	case engine.TransportTCP:
		return "_sip._tcp." + dns.Fqdn(host)
	case engine.TransportTLS:
		return "_sips._tcp." + dns.Fqdn(host)
	default:
		return "_sip._udp." + dns.Fqdn(host)
	}
}

// defaultPort is the well-known port for a transport.
func defaultPort(kind engine.TransportKind) int {
	if kind == engine.TransportTLS {
		return 5061
	}
	return 5060
}

// Resolve returns "host:port". An explicit port or an IP literal is used as
// is; otherwise the best SRV target wins, falling back to the default port.
func (r *Resolver) Resolve(ctx context.Context, kind engine.TransportKind, host string, port int) string {
	if port > 0 {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(defaultPort(kind)))
	}

	srvs, err := r.lookupSRV(ctx, srvName(kind, host))
	if err != nil || len(srvs) == 0 {
		if err != nil {
			slog.Debug("[UA] SRV lookup failed", "host", host, "error", err)
		}
		return net.JoinHostPort(host, strconv.Itoa(defaultPort(kind)))
	}
	best := srvs[0]
	return net.JoinHostPort(strings.TrimSuffix(best.Target, "."), strconv.Itoa(int(best.Port)))
}

func (r *Resolver) lookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	nameserver, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}

	var srvs []*dns.SRV
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			srvs = append(srvs, rr)
		}
	}
	sortSRV(srvs)
	return srvs, nil
}

// sortSRV orders by priority ascending, then weight descending.
func sortSRV(srvs []*dns.SRV) {
	slices.SortStableFunc(srvs, func(a, b *dns.SRV) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 3 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil
		}
		return r.NameServer, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", err
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no DNS servers in resolv.conf")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
