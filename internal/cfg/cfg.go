// Package cfg holds the server configuration. Every flag can also come from
// an EDUTB_ environment variable or a .env file; precedence is
// cli flag > environment > .env > default.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/edutoolbox/internal/catalog"
	"github.com/keithlinneman/edutoolbox/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names to form env keys.
const EnvPrefix = "EDUTB_"

type App struct {
	EnvFile string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPHost         string
	HTTPPort         int
	AdminPort        int
	AdminAllowPublic bool
	EnablePprof      bool
	TrustedProxyHops int
	SecureCookie     bool

	ContentRoot  string
	CatalogPath  string
	AllowedKinds string
	AccountsPath string
	DBPath       string
	UIDir        string
	AuditLogPath string
	IdleWindow   time.Duration
	LoginRate    float64
	LoginBurst   int

	EnableLibrarySync    bool
	LibrarySSMParam      string
	LibraryS3Bucket      string
	LibraryS3Prefix      string
	LibrarySigningKeyARN string

	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file read before environment overrides")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.HTTPHost, "http-host", "127.0.0.1", "dashboard listen address")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.AdminAllowPublic, "admin-allow-public", false, "serve admin endpoints to non-private client addresses")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server (0 ignores X-Forwarded-For)")
	fs.BoolVar(&c.SecureCookie, "secure-cookie", false, "mark the session cookie Secure (set when served over https)")

	fs.StringVar(&c.ContentRoot, "content-root", "library", "directory holding the course files")
	fs.StringVar(&c.CatalogPath, "catalog", "catalog.yaml", "catalog file listing entries under content-root")
	fs.StringVar(&c.AllowedKinds, "allowed-kinds", "spreadsheet,presentation,simulation_model,document", "comma separated file kinds that may be served")
	fs.StringVar(&c.AccountsPath, "accounts", "accounts.yaml", "accounts file with bcrypt password hashes")
	fs.StringVar(&c.DBPath, "db", "edutoolbox.db", "sqlite database for notes, progress and submissions")
	fs.StringVar(&c.UIDir, "ui-dir", "", "dashboard markup directory")
	fs.StringVar(&c.AuditLogPath, "audit-log", "", "append security audit records to this file (default stderr)")
	fs.DurationVar(&c.IdleWindow, "idle-window", 30*time.Minute, "session idle timeout")
	fs.Float64Var(&c.LoginRate, "login-rate", 0.2, "login attempts per second allowed per client address")
	fs.IntVar(&c.LoginBurst, "login-burst", 5, "login attempts allowed in a burst per client address")

	fs.BoolVar(&c.EnableLibrarySync, "enable-library-sync", false, "install the current library bundle from S3 before starting")
	fs.StringVar(&c.LibrarySSMParam, "library-ssm-param", "", "ssm parameter holding the library bundle sha256")
	fs.StringVar(&c.LibraryS3Bucket, "library-s3-bucket", "", "s3 bucket holding library bundles")
	fs.StringVar(&c.LibraryS3Prefix, "library-s3-prefix", "", "s3 key prefix for library bundles")
	fs.StringVar(&c.LibrarySigningKeyARN, "library-signing-key-arn", "", "KMS key ARN that signs library bundles (empty skips signature checks)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
}

// EnvFileName returns the .env file to load: -env-file when passed on the
// command line, otherwise PREFIX_ENV_FILE from the environment. It has to be
// resolved before FillFromEnv, which would otherwise pick it up too late.
func EnvFileName(fs *flag.FlagSet, prefix string) string {
	f := fs.Lookup("env-file")
	if f == nil {
		return ""
	}
	explicit := false
	fs.Visit(func(v *flag.Flag) {
		if v.Name == f.Name {
			explicit = true
		}
	})
	if explicit {
		return f.Value.String()
	}
	return os.Getenv(prefix + "ENV_FILE")
}

// LoadEnvFile adds the variables in name to the process environment without
// replacing any that are already set. An empty name is a no-op.
func LoadEnvFile(name string) error {
	if name == "" {
		return nil
	}
	if err := godotenv.Load(name); err != nil {
		return fmt.Errorf("load env file %s: %w", name, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.HTTPHost != "" && net.ParseIP(c.HTTPHost) == nil && c.HTTPHost != "localhost" {
		errs = append(errs, fmt.Errorf("HTTP_HOST must be an IP address or localhost (got %q)", c.HTTPHost))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Library and records
	for name, v := range map[string]string{
		"CONTENT_ROOT": c.ContentRoot,
		"CATALOG":      c.CatalogPath,
		"ACCOUNTS":     c.AccountsPath,
		"DB":           c.DBPath,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if kinds, err := catalog.ParseKinds(c.AllowedKinds); err != nil {
		errs = append(errs, fmt.Errorf("invalid ALLOWED_KINDS %q: %w", c.AllowedKinds, err))
	} else if len(kinds) == 0 {
		errs = append(errs, fmt.Errorf("ALLOWED_KINDS must name at least one kind"))
	}
	if c.IdleWindow < time.Minute || c.IdleWindow > 24*time.Hour {
		errs = append(errs, fmt.Errorf("IDLE_WINDOW must be between 1m and 24h (got %s)", c.IdleWindow))
	}
	if c.LoginRate <= 0 {
		errs = append(errs, fmt.Errorf("LOGIN_RATE must be positive (got %g)", c.LoginRate))
	}
	if c.LoginBurst < 1 {
		errs = append(errs, fmt.Errorf("LOGIN_BURST must be at least 1 (got %d)", c.LoginBurst))
	}

	if c.EnableLibrarySync {
		if c.LibrarySSMParam == "" {
			errs = append(errs, fmt.Errorf("LIBRARY_SSM_PARAM required when ENABLE_LIBRARY_SYNC=true"))
		}
		if c.LibraryS3Bucket == "" {
			errs = append(errs, fmt.Errorf("LIBRARY_S3_BUCKET required when ENABLE_LIBRARY_SYNC=true"))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	return errors.Join(errs...)
}
