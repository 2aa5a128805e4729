// Package dnssd advertises the raw and IPP print endpoints over multicast
// DNS so clients on the local link can discover them.
package dnssd

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"printgate/internal/model"
)

// QueueLister returns the live queues that accept documents over p.
type QueueLister interface {
	Printable(ctx context.Context, p model.Protocol) ([]model.Queue, error)
}

type Settings struct {
	ServerName string
	HostName   string
	IPPPort    int
	RawPort    int
	IPPPrefix  string
	TLS        bool
	MakeModel  string
	// IPs are advertised for every service. Empty means resolve HostName.
	IPs []net.IP
}

type zone struct {
	mu       sync.RWMutex
	services []*mdns.MDNSService
}

func (z *zone) set(services []*mdns.MDNSService) {
	z.mu.Lock()
	z.services = services
	z.mu.Unlock()
}

func (z *zone) Records(q dns.Question) []dns.RR {
	z.mu.RLock()
	services := append([]*mdns.MDNSService(nil), z.services...)
	z.mu.RUnlock()

	var out []dns.RR
	for _, svc := range services {
		out = append(out, svc.Records(q)...)
	}
	return out
}

// Advertiser refreshes the advertised services every Refresh interval so
// queue changes in the store show up without a restart.
type Advertiser struct {
	Settings Settings
	Queues   QueueLister
	Refresh  time.Duration

	zone   *zone
	server *mdns.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start binds the mDNS responder and begins refreshing. Failures are
// returned but callers treat them as non-fatal.
func Start(ctx context.Context, settings Settings, queues QueueLister) (*Advertiser, error) {
	z := &zone{}
	srv, err := mdns.NewServer(&mdns.Config{Zone: z})
	if err != nil {
		return nil, fmt.Errorf("start mdns responder: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	a := &Advertiser{
		Settings: settings,
		Queues:   queues,
		Refresh:  10 * time.Second,
		zone:     z,
		server:   srv,
		cancel:   cancel,
	}
	a.wg.Add(1)
	go a.loop(runCtx)
	return a, nil
}

func (a *Advertiser) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.server != nil {
		_ = a.server.Shutdown()
	}
}

func (a *Advertiser) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.Refresh)
	defer ticker.Stop()

	a.refresh(ctx)
	for {
		select {
		case <-ticker.C:
			a.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Advertiser) refresh(ctx context.Context) {
	var queues []model.Queue
	if a.Queues != nil {
		var err error
		queues, err = a.Queues.Printable(ctx, model.ProtocolIPP)
		if err != nil {
			log.Warn().Err(err).Msg("dnssd: list queues")
			return
		}
	}
	a.zone.set(Services(a.Settings, queues))
}

// Services builds the advertised service set: one raw socket entry for the
// host and one IPP entry per queue.
func Services(s Settings, queues []model.Queue) []*mdns.MDNSService {
	host := hostName(s)
	name := strings.TrimSpace(s.ServerName)
	if name == "" {
		name = "printgate"
	}
	makeModel := s.MakeModel
	if makeModel == "" {
		makeModel = "Generic PostScript Printer"
	}

	var out []*mdns.MDNSService
	add := func(instance, service string, port int, txt []string) {
		svc, err := mdns.NewMDNSService(instance, service, "local.", host, port, s.IPs, txt)
		if err != nil {
			log.Debug().Err(err).Str("instance", instance).Str("service", service).Msg("dnssd: skip service")
			return
		}
		out = append(out, svc)
	}

	if s.RawPort > 0 {
		add(name, "_pdl-datastream._tcp", s.RawPort, txtRecord(map[string]string{
			"txtvers": "1",
			"qtotal":  "1",
			"ty":      makeModel,
			"pdl":     "application/postscript",
		}))
	}
	if s.IPPPort <= 0 {
		return out
	}
	prefix := strings.Trim(s.IPPPrefix, "/")
	if prefix == "" {
		prefix = "printers"
	}
	for _, q := range queues {
		if q.Disabled || q.Deleted || !q.Reserved.Supports(model.ProtocolIPP) || q.Reserved == model.ReservedInternet {
			continue
		}
		label := q.URLPath
		if label == "" {
			label = "default"
		}
		rp := prefix + "/" + q.URLPath
		instance := name + " " + label
		txt := txtRecord(map[string]string{
			"txtvers": "1",
			"qtotal":  "1",
			"rp":      strings.TrimSuffix(rp, "/"),
			"ty":      makeModel,
			"pdl":     "application/postscript",
			"UUID":    queueUUID(host, s.IPPPort, rp),
			"air":     "none",
		})
		add(instance, "_ipp._tcp", s.IPPPort, txt)
		if s.TLS {
			add(instance, "_ipps._tcp", s.IPPPort, txt)
		}
	}
	return out
}

// queueUUID derives a stable UUID from the queue URI.
func queueUUID(host string, port int, rp string) string {
	uri := "ipp://" + strings.TrimSuffix(host, ".") + ":" + strconv.Itoa(port) + "/" + rp
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri)).String()
}

func hostName(s Settings) string {
	host := strings.TrimSpace(s.HostName)
	if host == "" {
		host = strings.TrimSpace(s.ServerName)
	}
	if host == "" {
		return ""
	}
	if strings.Contains(host, ".") {
		if !strings.HasSuffix(host, ".") {
			host += "."
		}
		return host
	}
	return host + ".local."
}

func txtRecord(txt map[string]string) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := strings.TrimSpace(txt[k]); v != "" {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// Port extracts the port of a listen address such as ":9100".
func Port(addr string) int {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		addr = "0.0.0.0" + addr
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
