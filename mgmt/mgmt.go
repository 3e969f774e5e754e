// Management HTTP endpoint
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mgmt is the hypervisor's only observability surface (DOMAIN
// STACK: a management HTTP endpoint serving debugcharts' handlers,
// which that package registers on http.DefaultServeMux from its init,
// alongside a /stats page rendering scheduler/vGIC/IPI counters). It hosts a minimal gVisor netstack over a
// channel.Endpoint fed by virtio/net's Switch uplink port, the same
// stack.Stack shape as the teacher's own web-server example, and serves
// plain net/http over it via gonet.
package mgmt

import (
	"fmt"
	"net"
	"net/http"

	// debugcharts registers its handlers on http.DefaultServeMux from
	// its own init(); there is no exported constructor to call.
	_ "github.com/mkevac/debugcharts"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"

	hyperNet "github.com/usbarmory/hyperv/virtio/net"
)

const nicID = 1

// Counters is the set of live values the /stats page renders, supplied
// by the caller (sched/vgic/ipi own the real state; this package only
// formats it).
type Counters struct {
	RunningVCPUs func() int
	PendingSGIs  func() int
	IPIMessages  func() uint64
}

// Server is the management netstack plus its HTTP server.
type Server struct {
	stack *stack.Stack
	ep    *channel.Endpoint
	ln    net.Listener
	http  *http.Server
}

// New builds a gVisor netstack reachable at addr:port (IPv4), installs
// it as uplink of sw (the guest-facing virtio-net switch), and mounts
// debugcharts plus a /stats page reporting counters. Call Serve to
// start accepting connections.
func New(sw *hyperNet.Switch, mac [6]byte, addr [4]byte, port uint16, counters Counters) (*Server, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	ep := channel.New(256, 1500, tcpip.LinkAddress(mac[:]))

	if tcpErr := s.CreateNIC(nicID, ep); tcpErr != nil {
		return nil, fmt.Errorf("mgmt: create nic: %s", tcpErr)
	}

	ip := tcpip.Address(string(addr[:]))

	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: ip.WithPrefix(),
	}

	if tcpErr := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); tcpErr != nil {
		return nil, fmt.Errorf("mgmt: add address: %s", tcpErr)
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})

	full := tcpip.FullAddress{NIC: nicID, Addr: ip, Port: port}

	ln, err := gonet.ListenTCP(s, full, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("mgmt: listen: %w", err)
	}

	srv := &Server{stack: s, ep: ep, ln: ln}

	// debugcharts is already mounted on http.DefaultServeMux by its
	// init(); /stats joins it there rather than on a private mux so
	// both are reachable through the one server below.
	http.HandleFunc("/stats", srv.serveStats(counters))

	srv.http = &http.Server{Handler: http.DefaultServeMux}

	sw.SetUplink(hyperNet.NewGvisorSink(ep))

	return srv, nil
}

// Serve blocks accepting management connections; run it in its own
// goroutine from the boot entry point.
func (s *Server) Serve() error {
	return s.http.Serve(s.ln)
}

func (s *Server) serveStats(c Counters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		running, pending, msgs := 0, 0, uint64(0)

		if c.RunningVCPUs != nil {
			running = c.RunningVCPUs()
		}

		if c.PendingSGIs != nil {
			pending = c.PendingSGIs()
		}

		if c.IPIMessages != nil {
			msgs = c.IPIMessages()
		}

		fmt.Fprintf(w, "running_vcpus %d\n", running)
		fmt.Fprintf(w, "pending_sgis %d\n", pending)
		fmt.Fprintf(w, "ipi_messages_total %d\n", msgs)
	}
}
