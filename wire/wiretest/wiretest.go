// Package wiretest is a minimal stand-in for the retrieval pack's
// filtered-out plugin/pkg/dnstest helper: a real UDP/TCP DNS server
// backed by a caller-supplied handler, for tests that need something
// to Exchange against. Built directly on miekg/dns.Server rather than
// a mock, matching the teacher's own preference for exercising real
// sockets in forward/health_test.go and plugin/pkg/proxy tests.
package wiretest

import (
	"net"

	"github.com/miekg/dns"
)

// Server is a throwaway DNS server listening on loopback UDP.
type Server struct {
	Addr string

	pc     net.PacketConn
	server *dns.Server
}

// NewServer starts a Server invoking handler for every received
// query. The caller must Close it when done.
func NewServer(handler dns.HandlerFunc) *Server {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	s := &Server{Addr: pc.LocalAddr().String(), pc: pc}
	s.server = &dns.Server{PacketConn: pc, Handler: handler}

	go s.server.ActivateAndServe()
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.server.Shutdown()
	s.pc.Close()
}
