package server

import "strings"

// listenAddr turns a configured port ("8080"), a bare ":8080" or a full
// "host:port" into a listen address. An empty value picks a free port.
func listenAddr(addr string) string {
	if addr == "" {
		return ":0"
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}
