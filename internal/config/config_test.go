package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/friendsofgo/errors"
	"github.com/google/go-cmp/cmp"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config perms = %o, want 600", perm)
	}
}

func TestLoadPartialFileNormalizes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
listen: "127.0.0.1:9000"
caldav:
  url: https://dav.example.com/cal/
  username: alice
  timeout_seconds: 0
booking:
  conditional_writes: false
basic_auth:
  username: admin
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.CalDAV.TimeoutSeconds != 30 {
		t.Errorf("TimeoutSeconds = %d, want 30", cfg.CalDAV.TimeoutSeconds)
	}
	if cfg.Booking.ConditionalWrites {
		t.Errorf("ConditionalWrites = true, want explicit false kept")
	}
	if cfg.Booking.DefaultLocation != "To be confirmed" {
		t.Errorf("DefaultLocation = %q", cfg.Booking.DefaultLocation)
	}
	if cfg.BasicAuth != nil {
		t.Errorf("BasicAuth without password should be disabled, got %+v", cfg.BasicAuth)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ApplyEnv(envMap(map[string]string{
		"CALDAV_URL":             "https://dav.example.com/cal/",
		"CALDAV_USER":            "bob",
		"CALDAV_PASSWORD":        "secret",
		"CALDAV_TIMEOUT_SECONDS": "5",
		"PORT":                   "8081",
	}))

	want := CalDAVConfig{
		URL:            "https://dav.example.com/cal/",
		Username:       "bob",
		Password:       "secret",
		TimeoutSeconds: 5,
		UserAgent:      "CalDAV-Dashboard/1.0",
	}
	if diff := cmp.Diff(want, cfg.CalDAV); diff != "" {
		t.Errorf("CalDAV mismatch (-want +got):\n%s", diff)
	}
	if cfg.Listen != ":8081" {
		t.Errorf("Listen = %q, want :8081", cfg.Listen)
	}
}

func TestCalDAVError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		caldav CalDAVConfig
		want   []string
	}{
		{name: "nothing set", want: []string{"CALDAV_URL", "CALDAV_USER", "CALDAV_PASSWORD"}},
		{name: "password missing", caldav: CalDAVConfig{URL: "https://x/", Username: "u"}, want: []string{"CALDAV_PASSWORD"}},
		{name: "bearer token replaces basic", caldav: CalDAVConfig{URL: "https://x/", BearerToken: "tok"}},
		{name: "complete", caldav: CalDAVConfig{URL: "https://x/", Username: "u", Password: "p"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.CalDAV = tt.caldav
			err := cfg.CalDAVError()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("CalDAVError() = %v, want nil", err)
				}
				return
			}
			var missing *MissingError
			if !errors.As(err, &missing) {
				t.Fatalf("CalDAVError() = %v, want *MissingError", err)
			}
			if diff := cmp.Diff(tt.want, missing.Vars); diff != "" {
				t.Errorf("Vars mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
