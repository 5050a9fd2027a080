package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// guestResolver answers the handful of A-record queries a booting RV64
// guest kernel is expected to issue, via the resolve callback it is given.
// It is not a general-purpose recursive resolver; whether names outside the
// NetStack's fixed *.internal names reach the host's resolver is decided by
// that callback (see NetStack.SetInternetAccessEnabled).
type guestResolver struct {
	log     *slog.Logger
	server  *dns.Server
	resolve func(name string) (string, error)
}

// newGuestResolver builds a stub DNS server bound to packetConn (normally
// the NetStack's loopback UDP:53 listener reachable from inside the guest's
// VirtIO-net device) that answers queries via resolve.
func newGuestResolver(logger *slog.Logger, resolve func(name string) (string, error), packetConn net.PacketConn) *guestResolver {
	gr := &guestResolver{
		log:     logger,
		resolve: resolve,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", gr.answer)

	gr.server = &dns.Server{
		Addr:       ":53",
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
	return gr
}

func (gr *guestResolver) start() {
	go func() {
		if err := gr.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			gr.log.Error("netstack: guest dns resolver exited", "err", err)
		}
	}()
}

// StopDNSServer tears down the guest-facing DNS stub, if one was started.
// Shutdown is bounded tightly since the guest has already been told to
// halt by the time this is normally called (Machine.Close tearing down the
// netstack) — there is no client left to serve gracefully.
func (ns *NetStack) StopDNSServer() {
	if ns.dnsServer == nil {
		return
	}
	gr := ns.dnsServer
	ns.dnsServer = nil
	if gr.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_ = gr.server.ShutdownContext(ctx)
		if gr.server.PacketConn != nil {
			_ = gr.server.PacketConn.Close()
		}
	}
}

// answer resolves every A question in r against gr.resolve, leaving
// everything else (AAAA, other record types the guest's C library doesn't
// usually ask for) unanswered rather than synthesizing a wrong reply.
func (gr *guestResolver) answer(w dns.ResponseWriter, r *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.Compress = false
	reply.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		rr, ok := gr.resolveA(q.Name)
		if !ok {
			reply.SetRcode(r, dns.RcodeNameError)
			continue
		}
		reply.Answer = append(reply.Answer, rr)
	}

	_ = w.WriteMsg(reply)
}

func (gr *guestResolver) resolveA(name string) (dns.RR, bool) {
	ip, err := gr.resolve(name)
	if err != nil {
		gr.log.Debug("netstack: guest dns lookup failed", "name", name, "err", err)
		return nil, false
	}
	if ip == "" {
		gr.log.Debug("netstack: guest dns unknown name", "name", name)
		return nil, false
	}
	rr, err := dns.NewRR(fmt.Sprintf("%s A %s", name, ip))
	if err != nil {
		gr.log.Debug("netstack: guest dns answer construction failed", "err", err)
		return nil, false
	}
	return rr, true
}
