// Command ftpd hosts the FTP listener, the admin RPC listener, and the
// supporting services (autobanner, port manager, certificate store) as one
// process.
//
// Unlike a typical daemon, main does not parse flags or environment
// variables itself. It expects a fully materialized Config, normally
// produced by a small wrapper that reads one from an xmlcfg.Archiver
// (file, etcd, whatever the deployment uses) before calling Run. This
// keeps the wiring in this package testable without a real config file on
// disk.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/coreftp/ftpd/internal/acme"
	"github.com/coreftp/ftpd/internal/admin"
	"github.com/coreftp/ftpd/internal/auth"
	"github.com/coreftp/ftpd/internal/autoban"
	"github.com/coreftp/ftpd/internal/certstore"
	"github.com/coreftp/ftpd/internal/imp"
	"github.com/coreftp/ftpd/internal/notify"
	"github.com/coreftp/ftpd/internal/portmgr"
	"github.com/coreftp/ftpd/internal/telemetry"
	"github.com/coreftp/ftpd/internal/xmlcfg"
	"github.com/coreftp/ftpd/server"
)

// Config is the fully materialized configuration for one ftpd instance.
type Config struct {
	ListenAddr      string
	AdminListenAddr string
	AdminPassword   string
	RootPath        string
	CertDir         string

	BanMaxFailures int
	BanWindow      time.Duration
	BanDuration    time.Duration

	PortRangeMin int
	PortRangeMax int

	// Archiver persists the live user/group/IP-filter database. May be
	// nil, in which case SetUsersAndGroups/SetIPFilters admin commands
	// only affect the in-memory database for the lifetime of the process.
	Archiver xmlcfg.Archiver

	// ACMEDirectoryURL, if set, wires an internal/acme.Client into the
	// admin façade so ACMEGetDirectory/ACMEGetAccount/ACMEGetCertificate
	// drive real certificate issuance. Empty disables the ACME surface.
	ACMEDirectoryURL string

	// ImpersonatorSocket, if set, is a Unix domain socket path to an
	// already-running internal/imp helper process; CredImpersonationOnly
	// users then have their file opens routed through it instead of this
	// process's own identity. Empty disables impersonation.
	ImpersonatorSocket string
}

func main() {
	cfg := Config{
		ListenAddr:      envOr("FTPD_LISTEN_ADDR", ":2121"),
		AdminListenAddr: envOr("FTPD_ADMIN_ADDR", ":2122"),
		AdminPassword:   os.Getenv("FTPD_ADMIN_PASSWORD"),
		RootPath:        envOr("FTPD_ROOT", "/srv/ftp"),
		CertDir:         envOr("FTPD_CERT_DIR", "/var/lib/ftpd/certs"),
		BanMaxFailures:  5,
		BanWindow:       10 * time.Minute,
		BanDuration:     30 * time.Minute,
		PortRangeMin:       50000,
		PortRangeMax:       50100,
		ACMEDirectoryURL:   os.Getenv("FTPD_ACME_DIRECTORY_URL"),
		ImpersonatorSocket: os.Getenv("FTPD_IMPERSONATOR_SOCKET"),
	}

	if err := Run(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, "ftpd:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// Run builds the full instance described by cfg and blocks until ctx is
// canceled or a termination signal arrives.
func Run(ctx context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := telemetry.NewLogger(os.Stderr, logrus.InfoLevel)

	if err := os.MkdirAll(cfg.CertDir, 0o700); err != nil {
		return fmt.Errorf("ftpd: preparing certificate store: %w", err)
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return fmt.Errorf("ftpd: preparing root directory: %w", err)
	}

	db := auth.NewDatabase()
	ipFilter := auth.NewIPFilterSet()
	banner := autoban.New(cfg.BanMaxFailures, cfg.BanWindow, cfg.BanDuration, log)
	ports := portmgr.New(cfg.PortRangeMin, cfg.PortRangeMax)
	certs := certstore.New(cfg.CertDir)

	adminEngine := admin.NewAdministrator(cfg.AdminPassword, log)
	adminEngine.DB = db
	adminEngine.IPFilter = ipFilter
	adminEngine.Banner = banner
	adminEngine.Ports = ports
	adminEngine.Certs = certs
	if cfg.ACMEDirectoryURL != "" {
		adminEngine.ACME = acme.NewClient(cfg.ACMEDirectoryURL, log)
	}

	registry := notify.NewRegistry()
	notifier := notify.New(adminEngine)
	log.Hook(notify.NewLogHook(adminEngine))

	driverOpts := []server.FSDriverOption{
		server.WithAuthenticator(auth.FSRootResolver(db)),
	}
	if cfg.ImpersonatorSocket != "" {
		conn, dialErr := net.Dial("unix", cfg.ImpersonatorSocket)
		if dialErr != nil {
			return fmt.Errorf("ftpd: dialing impersonator socket: %w", dialErr)
		}
		impChannel := imp.NewChannel(conn, 0, log)
		driverOpts = append(driverOpts, server.WithImpersonator(impChannel, func(user string) bool {
			u, ok := db.Lookup(user)
			return ok && u.Credential.Scheme == auth.CredImpersonationOnly
		}))
	}
	driver, err := server.NewFSDriver(cfg.RootPath, driverOpts...)
	if err != nil {
		return fmt.Errorf("ftpd: building filesystem driver: %w", err)
	}

	loginAuth := auth.NewThrottledAuthenticator(auth.DatabaseAuthenticator{DB: db})
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	srv, err := server.NewServer(cfg.ListenAddr,
		server.WithDriver(driver),
		server.WithIPFilter(ipFilter),
		server.WithAutobanner(banner),
		server.WithPortManager(ports),
		server.WithNotifier(notifier),
		server.WithSessionRegistry(registry),
		server.WithTelemetryLogger(log),
		server.WithUserAuthenticator(loginAuth),
		server.WithMetricsCollector(metrics),
	)
	if err != nil {
		return fmt.Errorf("ftpd: building server: %w", err)
	}

	adminLn, err := net.Listen("tcp", cfg.AdminListenAddr)
	if err != nil {
		return fmt.Errorf("ftpd: binding admin listener: %w", err)
	}
	go serveAdmin(ctx, adminLn, adminEngine, log)

	go watchReload(ctx, cfg.Archiver, log)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		adminLn.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		adminLn.Close()
		return err
	}
}

func serveAdmin(ctx context.Context, ln net.Listener, a *admin.Administrator, log *telemetry.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warn("admin listener accept failed", "error", err)
				return
			}
		}
		go a.Accept(conn)
	}
}

// watchReload re-reads the persisted configuration on SIGHUP. Applying the
// result to a running server is intentionally out of scope here: swapping
// live user/IP-filter state takes an admin SetUsersAndGroups/SetIPFilters
// call, which an operator or a wrapper script can issue after seeing this
// log line.
func watchReload(ctx context.Context, archiver xmlcfg.Archiver, log *telemetry.Logger) {
	if archiver == nil {
		return
	}
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			if _, err := archiver.Load(ctx, "users"); err != nil {
				log.Warn("config reload failed", "error", err)
				continue
			}
			log.Info("config reloaded from archive, apply via admin RPC")
		}
	}
}
