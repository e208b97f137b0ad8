package discovery

import (
	"net"
	"testing"

	"github.com/libp2p/zeroconf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAddrSet(t *testing.T) {
	for _, host := range []string{"", "  ", "0.0.0.0", "::", "::%en0"} {
		assert.Nil(t, listenAddrSet(host), "wildcard host %q", host)
	}

	assert.Equal(t, map[string]bool{"192.168.7.3": true}, listenAddrSet("192.168.7.3"))
	assert.Equal(t, map[string]bool{"fe80::5": true}, listenAddrSet("fe80::5%wlan0"))
	assert.Equal(t, map[string]bool{"10.1.1.1": true}, listenAddrSet("::ffff:10.1.1.1"))
}

func TestAddrsIntersect(t *testing.T) {
	want := map[string]bool{"192.168.7.3": true, "fd00::7": true}

	lan := &net.IPNet{IP: net.ParseIP("192.168.7.3").To4(), Mask: net.CIDRMask(24, 32)}
	v6 := &net.IPAddr{IP: net.ParseIP("fd00::7")}
	other := &net.IPNet{IP: net.ParseIP("10.0.0.8").To4(), Mask: net.CIDRMask(8, 32)}

	assert.True(t, addrsIntersect([]net.Addr{other, lan}, want))
	assert.True(t, addrsIntersect([]net.Addr{v6}, want))
	assert.False(t, addrsIntersect([]net.Addr{other}, want))
	assert.False(t, addrsIntersect(nil, want))
}

func TestFromZeroconf_CopiesAddresses(t *testing.T) {
	ip := net.ParseIP("10.0.0.9").To4()
	raw := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "builder-1"},
		HostName:      "builder.local.",
		Port:          8080,
		AddrIPv4:      []net.IP{ip, nil},
		Text:          TXTRecord(3),
	}

	got := fromZeroconf(raw)
	require.Len(t, got.IPv4, 1)
	ip[3] = 1
	assert.Equal(t, "10.0.0.9", got.IPv4[0].String())
	assert.Equal(t, "builder-1", got.Instance)
	assert.Nil(t, got.IPv6)

	ep, ok := EndpointFromEntry(got)
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.9:8080", ep.URL)
	assert.Equal(t, 3, ep.Workers)
}
