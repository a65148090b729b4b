package auth

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of peers whose forwarded headers are honored.
// Entries are single addresses or CIDR ranges. The zero set trusts nobody,
// so forwarded client-certificate headers and X-Forwarded-For are ignored
// unless ranges are configured explicitly.
type TrustedProxies struct {
	v4 []v4Range
	v6 []v6Range
}

type v4Range struct {
	addr uint32
	mask uint32
}

type v6Range struct {
	addr [16]byte
	mask [16]byte
}

// ParseTrustedProxies parses a list of IP and CIDR entries. An invalid
// entry fails the whole parse so configuration mistakes surface at boot.
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "/") {
			prefix, err := netip.ParsePrefix(trimmed)
			if err != nil {
				return nil, fmt.Errorf("parsing trusted proxy %q: %w", entry, err)
			}
			tp.add(prefix.Addr(), prefix.Bits())
			continue
		}
		addr, err := netip.ParseAddr(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted proxy %q: %w", entry, err)
		}
		if addr.Unmap().Is4() {
			tp.add(addr.Unmap(), 32)
		} else {
			tp.add(addr, 128)
		}
	}
	return tp, nil
}

func (t *TrustedProxies) add(addr netip.Addr, bits int) {
	if addr.Unmap().Is4() {
		a4 := addr.Unmap().As4()
		t.v4 = append(t.v4, v4Range{
			addr: binary.BigEndian.Uint32(a4[:]),
			mask: v4Mask(bits),
		})
		return
	}
	t.v6 = append(t.v6, v6Range{
		addr: addr.As16(),
		mask: v6Mask(bits),
	})
}

// v4Mask builds the network mask for a prefix length. Shifting a uint32 by
// 32 is undefined, so prefix 0 is handled as the zero mask.
func v4Mask(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	if bits > 32 {
		bits = 32
	}
	return ^uint32(0) << (32 - bits)
}

func v6Mask(bits int) [16]byte {
	var mask [16]byte
	if bits < 0 {
		bits = 0
	}
	if bits > 128 {
		bits = 128
	}
	for i := 0; i < 16 && bits > 0; i++ {
		if bits >= 8 {
			mask[i] = 0xff
			bits -= 8
			continue
		}
		mask[i] = 0xff << (8 - bits)
		bits = 0
	}
	return mask
}

// Trusted reports whether the given peer address matches any configured
// entry. Address families never match across: a v4 peer is only tested
// against v4 entries and a v6 peer against v6 entries. Unparseable input
// is untrusted.
func (t *TrustedProxies) Trusted(ip string) bool {
	if t == nil {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.Is4() {
		a4 := addr.As4()
		probe := binary.BigEndian.Uint32(a4[:])
		for _, r := range t.v4 {
			if probe&r.mask == r.addr&r.mask {
				return true
			}
		}
		return false
	}
	a16 := addr.As16()
	for _, r := range t.v6 {
		if v6Match(a16, r) {
			return true
		}
	}
	return false
}

func v6Match(probe [16]byte, r v6Range) bool {
	for i := 0; i < 16; i++ {
		if probe[i]&r.mask[i] != r.addr[i]&r.mask[i] {
			return false
		}
	}
	return true
}

// Len returns the number of configured entries.
func (t *TrustedProxies) Len() int {
	if t == nil {
		return 0
	}
	return len(t.v4) + len(t.v6)
}
