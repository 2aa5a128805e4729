package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"printgate/internal/authcache"
	"printgate/internal/authz"
	"printgate/internal/config"
	"printgate/internal/dnssd"
	"printgate/internal/frame"
	"printgate/internal/logging"
	"printgate/internal/notify"
	"printgate/internal/queue"
	"printgate/internal/rawserver"
	"printgate/internal/server"
	"printgate/internal/spool"
	"printgate/internal/store"
	"printgate/internal/tlsutil"
)

func main() {
	cfg := config.Load()
	logging.Configure(logging.Options{
		ErrorPath:  cfg.ErrorLogPath,
		AccessPath: cfg.AccessLogPath,
		PagePath:   cfg.PageLogPath,
		MaxSize:    cfg.MaxLogSize,
		Level:      cfg.LogLevel,
	})
	log.Info().Interface("config", cfg.Redacted()).Msg("printgate starting")

	for _, dir := range []string{cfg.DataDir, cfg.ConfDir, filepath.Dir(cfg.DBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("create directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("adapter", cfg.DBAdapter).Msg("open store")
	}
	defer st.Close()
	if err := st.EnsureReservedQueues(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure reserved queues")
	}
	if err := st.EnsureAdminUser(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure admin user")
	}
	if n, err := config.SyncQueuesFromConf(ctx, cfg.ConfDir, st); err != nil {
		log.Warn().Err(err).Msg("sync queues.conf")
	} else if n > 0 {
		log.Info().Int("queues", n).Msg("queues.conf applied")
	}

	sp := spool.Spool{Dir: cfg.SpoolDir}
	if err := sp.Ensure(); err != nil {
		log.Fatal().Err(err).Msg("ensure spool dir")
	}
	processor := spool.NewProcessor(st, sp)

	notifier, async, publisher := buildNotifier(cfg)
	if publisher != nil {
		defer publisher.Close()
	}

	tokens := authcache.New()
	addrs := authcache.NewAddressCache()
	issuer := authcache.NewIssuer(st, tokens, addrs, []byte(cfg.JWTSecret), cfg.TokenTTL)

	queues := queue.NewService(st, cfg.DefaultQueue)
	resolver := authz.New(authz.Options{
		Queues:     queues,
		Internet:   authz.StoreUsers{Store: st},
		Sessions:   issuer.Sessions(),
		TrustedIPs: cfg.TrustedIPs,
		Authorizer: processor,
		Notifier:   notifier,
		LookupTTL:  cfg.InternetLookupTTL,
	})

	raw := rawserver.New(rawserver.Options{
		Addr:          cfg.RawListen,
		QueuePath:     cfg.RawQueue,
		MaxConns:      cfg.RawMaxConnections,
		ReadTimeout:   cfg.RawReadTimeout,
		AcceptTimeout: cfg.RawAcceptTimeout,
		DrainPoll:     cfg.RawDrainPoll,
		DrainTimeout:  cfg.RawDrainTimeout,
		Parser:        &frame.Parser{MaxHeaderSize: int(cfg.MaxHeaderSize), DirectorySync: cfg.DirectorySync},
		Resolver:      resolver,
		Processor:     processor,
		Notifier:      notifier,
	})
	if err := raw.Listen(); err != nil {
		log.Fatal().Err(err).Msg("raw listener")
	}
	go func() {
		if err := raw.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("raw listener stopped")
		}
	}()

	makeModel := ""
	if ppd, err := config.LoadPPD(cfg.PPDFile); err == nil {
		makeModel = ppd.MakeAndModel()
	}
	srv := &server.Server{
		Config: cfg,
		Store:  st,
		Issuer: issuer,
		IPP: &server.Dispatcher{
			Prefix:         cfg.IPPPrefix,
			DefaultQueue:   cfg.DefaultQueue,
			WebUIPath:      cfg.WebUIPath,
			PPDFile:        cfg.PPDFile,
			ServerName:     cfg.ServerName,
			FailureDelay:   cfg.IPPFailureDelay,
			MaxRequestSize: cfg.MaxRequestSize,
			DirectorySync:  cfg.DirectorySync,
			Resolver:       resolver,
			Processor:      processor,
			Notifier:       notifier,
		},
	}
	servers := startHTTP(cfg, srv.Handler())

	if cfg.BrowseDNSSD {
		adv, err := dnssd.Start(ctx, dnssd.Settings{
			ServerName: cfg.ServerName,
			HostName:   cfg.DNSSDHostName,
			IPPPort:    firstPort(cfg.ListenHTTP, cfg.ListenHTTPS),
			RawPort:    dnssd.Port(cfg.RawListen),
			IPPPrefix:  cfg.IPPPrefix,
			TLS:        cfg.TLSEnabled,
			MakeModel:  makeModel,
		}, queues)
		if err != nil {
			log.Warn().Err(err).Msg("dns-sd advertising disabled")
		} else {
			defer adv.Close()
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if err := raw.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Int64("active", raw.Active()).Msg("raw connections still open at exit")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, hs := range servers {
		_ = hs.Shutdown(shutdownCtx)
	}
	if async != nil {
		_ = async.Wait(shutdownCtx)
	}
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if strings.EqualFold(cfg.DBAdapter, "postgres") {
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	}
	return store.Open(ctx, cfg.DBPath)
}

func buildNotifier(cfg config.Config) (notify.Notifier, *notify.Async, *notify.Publisher) {
	if cfg.PubsubProject == "" || cfg.PubsubTopic == "" {
		return notify.Log{}, nil, nil
	}
	pub := notify.NewPublisher(cfg.PubsubProject, cfg.PubsubTopic, cfg.CredentialsFile)
	async := notify.NewAsync(pub, 10*time.Second)
	log.Info().Str("project", cfg.PubsubProject).Str("topic", cfg.PubsubTopic).Msg("admin notifications via pub/sub")
	return notify.Multi{notify.Log{}, async}, async, pub
}

func startHTTP(cfg config.Config, handler http.Handler) []*http.Server {
	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		hostname, _ := os.Hostname()
		hosts := []string{"localhost", "127.0.0.1", cfg.ServerName, hostname}
		if cfg.ServerName != "" && !strings.Contains(cfg.ServerName, ".") {
			hosts = append(hosts, cfg.ServerName+".local")
		}
		if cfg.DNSSDHostName != "" {
			hosts = append(hosts, strings.TrimSuffix(cfg.DNSSDHostName, "."))
		}
		cert, err := tlsutil.EnsureCertificate(cfg.TLSCertPath, cfg.TLSKeyPath, hosts, cfg.TLSAutoGenerate)
		if err != nil {
			log.Fatal().Err(err).Msg("load TLS certificate")
		}
		tlsConfig = tlsutil.ServerConfig(cert)
	}

	var servers []*http.Server
	serve := func(addr string, ln net.Listener, label string) {
		hs := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       5 * time.Minute,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       60 * time.Second,
		}
		servers = append(servers, hs)
		go func() {
			log.Info().Str("addr", addr).Str("scheme", label).Msg("http listener started")
			if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Str("addr", addr).Msg("http listener stopped")
			}
		}()
	}

	listen := func(addr string) net.Listener {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", addr).Msg("http listen")
		}
		return ln
	}

	for _, addr := range cfg.ListenHTTP {
		if tlsConfig != nil && len(cfg.ListenHTTPS) == 0 {
			plain, secure := tlsutil.SplitListener(listen(addr), tlsConfig, true, 10*time.Second)
			serve(addr, plain, "http")
			serve(addr, secure, "https")
			continue
		}
		serve(addr, listen(addr), "http")
	}
	if tlsConfig != nil {
		for _, addr := range cfg.ListenHTTPS {
			serve(addr, tls.NewListener(listen(addr), tlsConfig), "https")
		}
	} else if len(cfg.ListenHTTPS) > 0 {
		log.Warn().Strs("addrs", cfg.ListenHTTPS).Msg("TLS disabled; skipping HTTPS listeners")
	}
	return servers
}

func firstPort(lists ...[]string) int {
	for _, list := range lists {
		for _, addr := range list {
			if p := dnssd.Port(addr); p > 0 {
				return p
			}
		}
	}
	return 631
}

