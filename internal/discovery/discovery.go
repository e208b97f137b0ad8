// Package discovery advertises an appforge server over mDNS and finds one
// from the client side.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultServiceName = "_appforge._tcp"
	DefaultDomain      = "local."

	// APIVersion is advertised in the TXT record as api=<version>.
	APIVersion = "v1"
)

var ErrNoServiceFound = errors.New("no discovery service found")

type ServiceEntry struct {
	Instance string
	HostName string
	Port     int
	IPv4     []net.IP
	IPv6     []net.IP
	Text     []string
}

type Endpoint struct {
	URL      string
	Instance string
	HostName string
	Port     int
	// Version and Workers come from the TXT record when present.
	Version string
	Workers int
}

type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error
}

// HealthFunc reports whether the server at baseURL answers.
type HealthFunc func(ctx context.Context, baseURL string) bool

// Options tune DiscoverWithBrowser. Zero values select the defaults.
type Options struct {
	Service string
	Domain  string
	// Healthy filters candidates. Nil accepts every entry.
	Healthy HealthFunc
}

func Discover(ctx context.Context, service, domain string) (Endpoint, error) {
	browser, err := NewMDBrowser()
	if err != nil {
		return Endpoint{}, err
	}
	return DiscoverWithBrowser(ctx, browser, Options{Service: service, Domain: domain, Healthy: HTTPHealthy})
}

// DiscoverWithBrowser returns the first advertised endpoint that speaks the
// current API and passes the health check.
func DiscoverWithBrowser(ctx context.Context, browser Browser, opts Options) (Endpoint, error) {
	if browser == nil {
		return Endpoint{}, errors.New("browser is required")
	}
	service, domain := normalize(opts.Service, opts.Domain)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan ServiceEntry, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- browser.Browse(scanCtx, service, domain, entries)
	}()

	seen := map[string]bool{}
	for {
		select {
		case <-scanCtx.Done():
			return Endpoint{}, fmt.Errorf("discover %s failed: %w", service, ErrNoServiceFound)
		case err := <-errCh:
			if err != nil {
				return Endpoint{}, fmt.Errorf("browse discovery service %s: %w", service, err)
			}
			// Browsers may deliver entries asynchronously after returning.
			errCh = nil
		case entry := <-entries:
			endpoint, ok := EndpointFromEntry(entry)
			if !ok || seen[endpoint.URL] {
				continue
			}
			seen[endpoint.URL] = true
			if endpoint.Version != "" && endpoint.Version != APIVersion {
				continue
			}
			if opts.Healthy != nil && !opts.Healthy(scanCtx, endpoint.URL) {
				continue
			}
			return endpoint, nil
		}
	}
}

func EndpointFromEntry(entry ServiceEntry) (Endpoint, bool) {
	if entry.Port <= 0 {
		return Endpoint{}, false
	}
	ip := pickIP(entry.IPv4, entry.IPv6)
	if ip == nil {
		return Endpoint{}, false
	}
	host := ip.String()
	if ip.To4() == nil {
		host = "[" + host + "]"
	}
	ep := Endpoint{
		URL:      "http://" + host + ":" + strconv.Itoa(entry.Port),
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
	}
	for _, kv := range entry.Text {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "api":
			ep.Version = v
		case "workers":
			ep.Workers, _ = strconv.Atoi(v)
		}
	}
	return ep, true
}

// TXTRecord describes a server in the form EndpointFromEntry reads back.
func TXTRecord(workers int, extra ...string) []string {
	txt := []string{"api=" + APIVersion, "workers=" + strconv.Itoa(workers)}
	return append(txt, extra...)
}

// HTTPHealthy probes GET <baseURL>/healthz with a short timeout.
func HTTPHealthy(ctx context.Context, baseURL string) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 600*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func splitListenAddr(listenAddr string) (string, int, error) {
	trimmed := strings.TrimSpace(listenAddr)
	if trimmed == "" {
		return "", 0, errors.New("listen address is required")
	}
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", 0, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	if port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("listen port out of range: %d", port)
	}
	return host, port, nil
}

func normalize(service, domain string) (string, string) {
	service = strings.TrimSpace(service)
	domain = strings.TrimSpace(domain)
	if service == "" {
		service = DefaultServiceName
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return service, domain
}

// pickIP prefers the first routable address, IPv4 before IPv6, and falls
// back to a loopback one.
func pickIP(ipv4, ipv6 []net.IP) net.IP {
	var fallback net.IP
	for _, ip := range append(append([]net.IP(nil), ipv4...), ipv6...) {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		if !ip.IsLoopback() {
			return ip
		}
		if fallback == nil {
			fallback = ip
		}
	}
	return fallback
}
