package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/keithlinneman/edutoolbox/internal/api"
	"github.com/keithlinneman/edutoolbox/internal/audit"
	"github.com/keithlinneman/edutoolbox/internal/catalog"
	"github.com/keithlinneman/edutoolbox/internal/cfg"
	"github.com/keithlinneman/edutoolbox/internal/dashboard"
	"github.com/keithlinneman/edutoolbox/internal/gateway"
	"github.com/keithlinneman/edutoolbox/internal/health"
	"github.com/keithlinneman/edutoolbox/internal/httpmw"
	"github.com/keithlinneman/edutoolbox/internal/identity"
	"github.com/keithlinneman/edutoolbox/internal/librarysync"
	"github.com/keithlinneman/edutoolbox/internal/opshttp"
	"github.com/keithlinneman/edutoolbox/internal/pathutil"
	"github.com/keithlinneman/edutoolbox/internal/ratelimit"
	"github.com/keithlinneman/edutoolbox/internal/records"
	"github.com/keithlinneman/edutoolbox/internal/session"
	"github.com/keithlinneman/edutoolbox/internal/store"
	"github.com/keithlinneman/edutoolbox/internal/webassets"

	"github.com/keithlinneman/edutoolbox/internal/httpserver"
	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/metrics"
	"github.com/keithlinneman/edutoolbox/internal/otelx"
	"github.com/keithlinneman/edutoolbox/internal/prof"
	v "github.com/keithlinneman/edutoolbox/internal/version"
)

// drainPeriod is how long readiness fails before listeners close.
const drainPeriod = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// .env first so real environment variables and flags still win
	if err := cfg.LoadEnvFile(cfg.EnvFileName(flag.CommandLine, cfg.EnvPrefix)); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", v.ComponentServer)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_host", conf.HTTPHost,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_library_sync", conf.EnableLibrarySync,
		"content_root", conf.ContentRoot,
		"catalog", conf.CatalogPath,
		"allowed_kinds", conf.AllowedKinds,
		"accounts", conf.AccountsPath,
		"db", conf.DBPath,
		"ui_dir", conf.UIDir,
		"idle_window", conf.IdleWindow,
		"trusted_proxy_hops", conf.TrustedProxyHops,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.ComponentServer, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": v.ComponentServer,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector is on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: v.ComponentServer,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	libraryInfo := installLibrary(ctx, L, &conf, m)

	root, err := pathutil.ResolveRoot(conf.ContentRoot)
	if err != nil {
		L.Error(ctx, err, "content root unusable", "content_root", conf.ContentRoot)
		os.Exit(1)
	}

	kinds, _ := catalog.ParseKinds(conf.AllowedKinds)
	catalogPath := conf.CatalogPath
	if !filepath.IsAbs(catalogPath) {
		// relative catalogs ship inside the library
		catalogPath = filepath.Join(root.String(), catalogPath)
	}
	cat, err := catalog.LoadFile(catalogPath, root)
	if err != nil {
		// a bad catalog never starts a server that would serve part of it
		L.Error(ctx, err, "catalog rejected", "catalog", catalogPath, "content_root", root.String())
		os.Exit(1)
	}
	m.SetCatalogEntries(cat.Len())
	L.Info(ctx, "catalog loaded", "entries", cat.Len(), "content_root", root.String())

	st, err := store.Open(ctx, store.Options{
		Path:    conf.DBPath,
		Logger:  L,
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open record store", "db", conf.DBPath)
		os.Exit(1)
	}
	defer st.Close()

	sessions, err := session.New(session.Options{
		IdleWindow: conf.IdleWindow,
		OnChange:   m.SetSessionsActive,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create session manager")
		os.Exit(1)
	}

	accounts, err := identity.LoadRegistry(conf.AccountsPath)
	if err != nil {
		L.Error(ctx, err, "accounts file rejected", "accounts", conf.AccountsPath)
		os.Exit(1)
	}
	L.Info(ctx, "accounts loaded", "accounts", accounts.Len())

	auditLog, err := audit.New(audit.Options{
		App:     v.AppName,
		Version: vi.Version,
		Commit:  vi.Commit,
		Path:    conf.AuditLogPath,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open audit log", "audit_log", conf.AuditLogPath)
		os.Exit(1)
	}
	defer auditLog.Close()

	gw, err := gateway.New(gateway.Options{
		Sessions:     sessions,
		Catalog:      cat,
		AllowedKinds: kinds,
		Logger:       L,
		Audit:        auditLog,
		Metrics:      m,
		Recorder:     st,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create gateway")
		os.Exit(1)
	}

	loginLimiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.LoginRate, conf.LoginBurst),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "login rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "login rate limit capacity reached")
		}),
	)

	apiHandler, err := api.New(api.Options{
		Logger:       L,
		Sessions:     sessions,
		Verifier:     accounts,
		Gateway:      gw,
		Library:      cat,
		Records:      records.New(gw, st, accounts),
		LoginLimiter: loginLimiter,
		Audit:        auditLog,
		Metrics:      m,
		SecureCookie: conf.SecureCookie,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create api")
		os.Exit(1)
	}

	dash, err := dashboard.New(&dashboard.Options{
		Logger:     L,
		Dir:        conf.UIDir,
		Sessions:   sessions,
		CookieName: api.CookieName,
		FallbackFS: webassets.FallbackFS(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create dashboard handler", "ui_dir", conf.UIDir)
		os.Exit(1)
	}
	defer dash.Close()

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.Ping("store", st, 0),
		health.ContentRoot(cat),
	)

	// coarse per-ip limit on everything; login has its own tighter bucket
	limiter := ratelimit.New(ctx,
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Host:         conf.HTTPHost,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		LibraryInfo:  libraryInfo,
		APIRoutes:    apiHandler.RegisterRoutes,
		SiteHandler:  dash,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		AllowPublic: conf.AdminAllowPublic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	// sessions are memory only and die with the process
	L.Info(context.Background(), "shutdown complete", "sessions_dropped", sessions.Len())
}

// installLibrary brings the content root up to the published bundle when
// sync is enabled and reports what is installed. A failed sync keeps
// whatever library is already on disk.
func installLibrary(ctx context.Context, L log.Logger, conf *cfg.App, m *metrics.ServerMetrics) httpmw.LibraryInfo {
	if conf.EnableLibrarySync {
		syncer, err := librarysync.New(ctx, librarysync.Options{
			Logger:       L,
			SSMParam:     conf.LibrarySSMParam,
			S3Bucket:     conf.LibraryS3Bucket,
			S3Prefix:     conf.LibraryS3Prefix,
			ContentRoot:  conf.ContentRoot,
			SigningKeyID: conf.LibrarySigningKeyARN,
			Metrics:      m,
		})
		if err != nil {
			L.Error(ctx, err, "library sync unavailable, serving the installed library")
		} else {
			res, err := syncer.Sync(ctx)
			switch {
			case err != nil:
				L.Error(ctx, err, "library sync failed, serving the installed library")
			case res.Changed:
				L.Info(ctx, "library installed", "library_version", res.LibraryVersion(), "library_hash", res.LibraryHash())
			default:
				L.Info(ctx, "library up to date", "library_version", res.LibraryVersion())
			}
			return syncer
		}
	}

	mk, err := librarysync.ReadMarker(conf.ContentRoot)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		L.Warn(ctx, "library marker unreadable", "error", err.Error())
	}
	if mk == nil {
		return nil
	}
	m.SetLibraryBundle(mk.SHA256)
	m.SetLibrarySynced(mk.SyncedAt)
	return mk
}

func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
