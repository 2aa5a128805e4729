package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParsePrintgateConfDirectives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "printgate.conf")
	content := strings.Join([]string{
		`# gateway`,
		`Listen 127.0.0.1:8631`,
		`Listen ipps://0.0.0.0`,
		`RawListen 0.0.0.0`,
		`RawMaxConnections 12`,
		`RawReadTimeout 250ms`,
		`RawDrainTimeout 2m`,
		`IPPFailureDelay 1`,
		`MaxHeaderSize 64k`,
		`DefaultQueue /office/`,
		`DirectorySync yes`,
		`TrustedIP 10.0.0.7 kiosk`,
		`TrustedIP not-an-ip bob`,
		`AccessLog logs/access_log`,
		`ErrorLog stderr`,
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write printgate.conf: %v", err)
	}

	cfg := Config{ConfDir: dir, TrustedIPs: map[string]string{}}
	parsePrintgateConf(path, &cfg)

	if len(cfg.ListenHTTP) != 1 || cfg.ListenHTTP[0] != "127.0.0.1:8631" {
		t.Fatalf("ListenHTTP = %#v", cfg.ListenHTTP)
	}
	if len(cfg.ListenHTTPS) != 1 || cfg.ListenHTTPS[0] != "0.0.0.0:631" {
		t.Fatalf("ListenHTTPS = %#v", cfg.ListenHTTPS)
	}
	if cfg.RawListen != "0.0.0.0:9100" {
		t.Fatalf("RawListen = %q", cfg.RawListen)
	}
	if cfg.RawMaxConnections != 12 {
		t.Fatalf("RawMaxConnections = %d", cfg.RawMaxConnections)
	}
	if cfg.RawReadTimeout != 250*time.Millisecond {
		t.Fatalf("RawReadTimeout = %v", cfg.RawReadTimeout)
	}
	if cfg.RawDrainTimeout != 2*time.Minute {
		t.Fatalf("RawDrainTimeout = %v", cfg.RawDrainTimeout)
	}
	if cfg.IPPFailureDelay != time.Second {
		t.Fatalf("IPPFailureDelay = %v", cfg.IPPFailureDelay)
	}
	if cfg.MaxHeaderSize != 64*1024 {
		t.Fatalf("MaxHeaderSize = %d", cfg.MaxHeaderSize)
	}
	if cfg.DefaultQueue != "office" {
		t.Fatalf("DefaultQueue = %q", cfg.DefaultQueue)
	}
	if !cfg.DirectorySync {
		t.Fatal("DirectorySync should be on")
	}
	if len(cfg.TrustedIPs) != 1 || cfg.TrustedIPs["10.0.0.7"] != "kiosk" {
		t.Fatalf("TrustedIPs = %#v", cfg.TrustedIPs)
	}
	if cfg.AccessLogPath != filepath.Join(dir, "logs", "access_log") {
		t.Fatalf("AccessLogPath = %q", cfg.AccessLogPath)
	}
	if cfg.ErrorLogPath != "stderr" {
		t.Fatalf("ErrorLogPath = %q", cfg.ErrorLogPath)
	}
}

func TestLoadEnvOverridesConf(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "printgate.conf"), []byte("RawListen :9101\nDirectorySync on\n"), 0o644); err != nil {
		t.Fatalf("write printgate.conf: %v", err)
	}
	t.Setenv("PRINTGATE_DATA_DIR", dir)
	t.Setenv("PRINTGATE_CONF_DIR", dir)
	t.Setenv("PRINTGATE_RAW_LISTEN", "127.0.0.1:19100")
	t.Setenv("PRINTGATE_DIRECTORY_SYNC", "false")
	t.Setenv("PRINTGATE_TRUSTED_IPS", "192.168.1.5=alice; 10.1.1.1 = bob, junk")
	t.Setenv("PRINTGATE_RAW_DRAIN_TIMEOUT", "45")

	cfg := Load()
	if cfg.RawListen != "127.0.0.1:19100" {
		t.Fatalf("RawListen = %q", cfg.RawListen)
	}
	if cfg.DirectorySync {
		t.Fatal("env should disable DirectorySync")
	}
	if cfg.TrustedIPs["192.168.1.5"] != "alice" || cfg.TrustedIPs["10.1.1.1"] != "bob" || len(cfg.TrustedIPs) != 2 {
		t.Fatalf("TrustedIPs = %#v", cfg.TrustedIPs)
	}
	if cfg.RawDrainTimeout != 45*time.Second {
		t.Fatalf("RawDrainTimeout = %v", cfg.RawDrainTimeout)
	}
	if cfg.DBPath != filepath.Join(dir, "printgate.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.IPPPrefix != "/printers" || cfg.WebUIPath != "/user" {
		t.Fatalf("unexpected defaults: prefix=%q webui=%q", cfg.IPPPrefix, cfg.WebUIPath)
	}
}

func TestParseDurationForms(t *testing.T) {
	cases := map[string]time.Duration{
		"5":     5 * time.Second,
		"2m":    2 * time.Minute,
		"1h":    time.Hour,
		"150ms": 150 * time.Millisecond,
		"1.5s":  1500 * time.Millisecond,
	}
	for in, want := range cases {
		got, ok := parseDuration(in)
		if !ok || got != want {
			t.Fatalf("parseDuration(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	if _, ok := parseDuration("soon"); ok {
		t.Fatal("expected parse failure")
	}
}
