package server

import "net"

// ExtractIP returns the normalized address of addr without its port.
// IPv4-mapped IPv6 addresses come back in dotted-quad form.
func ExtractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}

	s := addr.String()
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
