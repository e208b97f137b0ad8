package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/zeroconf/v2"
)

// MDBrowser browses mDNS through zeroconf on every usable interface.
type MDBrowser struct {
	ifaces []net.Interface
}

func NewMDBrowser() (*MDBrowser, error) {
	return &MDBrowser{ifaces: advertiseInterfaces("")}, nil
}

func (b *MDBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	if b == nil {
		return fmt.Errorf("browser is required")
	}
	service, domain = normalize(service, domain)

	raw := make(chan *zeroconf.ServiceEntry)
	go relayEntries(ctx, raw, entries)

	var opts []zeroconf.ClientOption
	if len(b.ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(b.ifaces))
	}
	return zeroconf.Browse(ctx, service, domain, raw, opts...)
}

func relayEntries(ctx context.Context, in <-chan *zeroconf.ServiceEntry, out chan<- ServiceEntry) {
	for {
		var entry *zeroconf.ServiceEntry
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok || e == nil {
				return
			}
			entry = e
		}
		select {
		case <-ctx.Done():
			return
		case out <- fromZeroconf(entry):
		}
	}
}

func fromZeroconf(e *zeroconf.ServiceEntry) ServiceEntry {
	return ServiceEntry{
		Instance: e.Instance,
		HostName: e.HostName,
		Port:     e.Port,
		IPv4:     cloneIPs(e.AddrIPv4),
		IPv6:     cloneIPs(e.AddrIPv6),
		Text:     append([]string(nil), e.Text...),
	}
}

// AdvertiseOptions describe the server being announced.
type AdvertiseOptions struct {
	Instance   string
	Service    string
	Domain     string
	ListenAddr string
	Text       []string
}

type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the build server on the interfaces that can
// reach ListenAddr.
func StartAdvertiser(opts AdvertiseOptions) (*Advertiser, error) {
	service, domain := normalize(opts.Service, opts.Domain)
	instance := strings.TrimSpace(opts.Instance)
	if instance == "" {
		instance = "appforge"
	}
	host, port, err := splitListenAddr(opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	server, err := zeroconf.Register(instance, service, domain, port, opts.Text, advertiseInterfaces(host))
	if err != nil {
		return nil, fmt.Errorf("start mdns advertiser: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.server.Shutdown()
	return nil
}

func cloneIPs(in []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range in {
		if ip != nil {
			out = append(out, append(net.IP(nil), ip...))
		}
	}
	return out
}

// advertiseInterfaces returns the up, non-loopback interfaces that carry
// listenHost. Nil lets zeroconf choose.
func advertiseInterfaces(listenHost string) []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	want := listenAddrSet(listenHost)

	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if want != nil {
			addrs, err := iface.Addrs()
			if err != nil || !addrsIntersect(addrs, want) {
				continue
			}
		}
		out = append(out, iface)
	}
	return out
}

// listenAddrSet resolves the bind host to canonical address strings. It
// returns nil for wildcard hosts and for names that do not resolve.
func listenAddrSet(listenHost string) map[string]bool {
	host := stripZone(strings.TrimSpace(listenHost))
	if host == "" {
		return nil
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return nil
		}
		ips = []net.IP{ip}
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil || len(resolved) == 0 {
			return nil
		}
		ips = resolved
	}
	set := make(map[string]bool, len(ips))
	for _, ip := range ips {
		set[canonicalIP(ip)] = true
	}
	return set
}

func stripZone(host string) string {
	if i := strings.IndexByte(host, '%'); i >= 0 {
		return host[:i]
	}
	return host
}

func canonicalIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func addrsIntersect(addrs []net.Addr, want map[string]bool) bool {
	for _, addr := range addrs {
		switch a := addr.(type) {
		case *net.IPNet:
			if want[canonicalIP(a.IP)] {
				return true
			}
		case *net.IPAddr:
			if want[canonicalIP(a.IP)] {
				return true
			}
		}
	}
	return false
}
