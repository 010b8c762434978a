package ci

import "net"

// FindPrivateAddr returns the first RFC 1918 address in the list, or the
// empty string when none qualifies. Every candidate is examined, a
// non-private or unparseable entry does not end the scan.
func FindPrivateAddr(addrs []string) string {
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil && ip4.IsPrivate() {
			return addr
		}
	}
	return ""
}
