package node

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// Endpoints returns count addresses on host with consecutive ports starting
// at basePort, the layout of a local test ensemble.
func Endpoints(host string, basePort, count int) []string {
	out := make([]string, 0, count)
	for i := range count {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(basePort+i)))
	}
	return out
}
