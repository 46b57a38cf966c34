package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amurg-ai/parley/internal/config"
	"github.com/amurg-ai/parley/pkg/cli"
)

func TestWizard_BuiltinSQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",                                // listen address
		"https://a.example, https://b.example", // allowed origins
		"1",                                    // auth: builtin
		"1",                                    // storage: sqlite
		"./data/parley.db",                     // sqlite path
		"1",                                    // presence: store
		"n",                                    // keep older connection
		"",                                     // log level default
		"text",                                 // log format
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	w := New(&cli.Prompter{In: strings.NewReader(input), Out: out})
	outputPath := filepath.Join(t.TempDir(), "parley.json")
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.Provider != "builtin" || len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth = %+v, want builtin with a generated secret", cfg.Auth)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "./data/parley.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Presence.Driver != "store" {
		t.Errorf("presence.driver = %q, want store", cfg.Presence.Driver)
	}
	if cfg.Session.ShouldCloseSuperseded() {
		t.Error("close_superseded should be false")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !strings.Contains(out.String(), "parley run "+outputPath) {
		t.Error("expected next steps in output")
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}
}

func TestWizard_JWKSRedisYAML(t *testing.T) {
	input := strings.Join([]string{
		"",                              // listen address default
		"",                              // allowed origins default
		"2",                             // auth: jwks
		"https://idp.example/jwks.json", // JWKS URL
		"https://idp.example/",          // issuer
		"2",                             // storage: postgres
		"postgres://u:p@db:5432/parley", // DSN
		"redis",                         // presence: redis
		"cache:6379",                    // redis address
		"hunter2",                       // redis password
		"3",                             // redis db
		"",                              // close superseded default
		"debug",                         // log level
		"",                              // log format default
	}, "\n") + "\n"

	w := New(&cli.Prompter{In: strings.NewReader(input), Out: &bytes.Buffer{}})
	outputPath := filepath.Join(t.TempDir(), "parley.yaml")
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Auth.Provider != "jwks" || cfg.Auth.JWKSURL != "https://idp.example/jwks.json" || cfg.Auth.Issuer != "https://idp.example/" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Error("jwks config should not carry a JWT secret")
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://u:p@db:5432/parley" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Presence.Driver != "redis" || cfg.Presence.RedisAddr != "cache:6379" ||
		cfg.Presence.RedisPassword != "hunter2" || cfg.Presence.RedisDB != 3 {
		t.Errorf("presence = %+v", cfg.Presence)
	}
	if !cfg.Session.ShouldCloseSuperseded() {
		t.Error("close_superseded should default to true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestRunDefaults(t *testing.T) {
	t.Setenv("PARLEY_ADDR", ":7000")
	t.Setenv("PARLEY_STORAGE_DSN", "/tmp/parley-test.db")
	t.Setenv("PARLEY_REDIS_ADDR", "redis:6379")
	t.Setenv("PARLEY_REDIS_DB", "1")

	out := &bytes.Buffer{}
	w := New(&cli.Prompter{In: strings.NewReader(""), Out: out})
	outputPath := filepath.Join(t.TempDir(), "parley.json")
	if err := w.RunDefaults(outputPath); err != nil {
		t.Fatalf("RunDefaults() error: %v", err)
	}

	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.Provider != "builtin" || len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Storage.DSN != "/tmp/parley-test.db" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Presence.Driver != "redis" || cfg.Presence.RedisDB != 1 {
		t.Errorf("presence = %+v", cfg.Presence)
	}
	if !strings.Contains(out.String(), outputPath) {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunDefaults_JWKS(t *testing.T) {
	t.Setenv("PARLEY_JWKS_URL", "https://idp.example/jwks.json")
	t.Setenv("PARLEY_ISSUER", "https://idp.example/")

	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	outputPath := filepath.Join(t.TempDir(), "parley.yml")
	if err := w.RunDefaults(outputPath); err != nil {
		t.Fatalf("RunDefaults() error: %v", err)
	}

	cfg, err := config.Load(outputPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Auth.Provider != "jwks" || cfg.Auth.JWTSecret != "" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}

func TestRunDefaults_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("PARLEY_STORAGE_DRIVER", "postgres")
	t.Setenv("PARLEY_STORAGE_DSN", "")

	w := New(&cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	err := w.RunDefaults(filepath.Join(t.TempDir(), "parley.json"))
	if err == nil || !strings.Contains(err.Error(), "PARLEY_STORAGE_DSN") {
		t.Fatalf("RunDefaults() error = %v, want missing DSN error", err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a , ,b,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitList() = %v", got)
	}
}
