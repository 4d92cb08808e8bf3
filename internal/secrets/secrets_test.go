package secrets

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sidekick-labs/sidekick/internal/fault"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("SECRETS_TEST_KEY", "sk-live-12345")
	r := NewEnvResolver()

	value, err := r.Resolve(context.Background(), "env(SECRETS_TEST_KEY)")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if value != "sk-live-12345" {
		t.Errorf("value = %q, want sk-live-12345", value)
	}
}

func TestEnvResolverErrors(t *testing.T) {
	r := NewEnvResolver()
	tests := []struct {
		name string
		ref  string
	}{
		{"unset variable", "env(SECRETS_TEST_DOES_NOT_EXIST)"},
		{"malformed ref", "SECRETS_TEST_KEY"},
		{"wrong scheme", "vault(foo#bar)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if fault.KindOf(err) != fault.KindConfig {
				t.Errorf("kind = %s, want %s", fault.KindOf(err), fault.KindConfig)
			}
		})
	}
}

func TestChainDispatch(t *testing.T) {
	t.Setenv("SECRETS_CHAIN_KEY", "from-env")
	chain := NewChain(nil)

	value, err := chain.Resolve(context.Background(), "env(SECRETS_CHAIN_KEY)")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if value != "from-env" {
		t.Errorf("value = %q, want from-env", value)
	}

	if _, err := chain.Resolve(context.Background(), "vault(foo#bar)"); err == nil {
		t.Fatal("expected error for a vault ref with no vault configured")
	}
	if _, err := chain.Resolve(context.Background(), "file(/etc/key)"); err == nil {
		t.Fatal("expected error for an unknown scheme")
	}
}

func newVaultServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/v1/secret/data/providers/anthropic":
			_, _ = w.Write([]byte(`{"data":{"data":{"api_key":"sk-ant-xyz","value":"default"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultResolver(t *testing.T) {
	srv := newVaultServer(t, nil)
	v := NewVaultResolver(srv.URL, "test-token")

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"explicit key", "vault(providers/anthropic#api_key)", "sk-ant-xyz"},
		{"default value key", "vault(providers/anthropic)", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Resolve(context.Background(), tt.ref)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("value = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVaultResolverErrors(t *testing.T) {
	srv := newVaultServer(t, nil)
	v := NewVaultResolver(srv.URL, "test-token")

	tests := []struct {
		name string
		ref  string
		kind fault.Kind
	}{
		{"malformed ref", "providers/anthropic", fault.KindConfig},
		{"missing path", "vault(providers/unknown#api_key)", fault.KindConfig},
		{"missing key", "vault(providers/anthropic#nope)", fault.KindConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if fault.KindOf(err) != tt.kind {
				t.Errorf("kind = %s, want %s", fault.KindOf(err), tt.kind)
			}
		})
	}
}

func TestVaultResolverUnreachableIsNetworkError(t *testing.T) {
	v := NewVaultResolver("http://127.0.0.1:1", "test-token")
	_, err := v.Resolve(context.Background(), "vault(providers/anthropic#api_key)")
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindNetwork {
		t.Errorf("kind = %s, want %s", fault.KindOf(err), fault.KindNetwork)
	}
}

func TestVaultResolverCachesValues(t *testing.T) {
	var hits atomic.Int64
	srv := newVaultServer(t, &hits)
	v := NewVaultResolver(srv.URL, "test-token", WithCacheTTL(time.Minute))

	for i := 0; i < 3; i++ {
		if _, err := v.Resolve(context.Background(), "vault(providers/anthropic#api_key)"); err != nil {
			t.Fatalf("Resolve %d failed: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestRedactHandlerScrubsOutput(t *testing.T) {
	var buf bytes.Buffer
	handler := NewRedactHandler(slog.NewJSONHandler(&buf, nil))
	handler.Protect("sk-ant-secret-key")
	logger := slog.New(handler)

	logger.Info("provider call failed with key sk-ant-secret-key",
		"detail", "auth header Bearer sk-ant-secret-key rejected",
		"attempt", 3)

	out := buf.String()
	if strings.Contains(out, "sk-ant-secret-key") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, redactedPlaceholder) {
		t.Errorf("expected placeholder in output: %s", out)
	}
	if !strings.Contains(out, `"attempt":3`) {
		t.Errorf("non-string attribute mangled: %s", out)
	}
}

func TestRedactHandlerSharedAcrossChildren(t *testing.T) {
	var buf bytes.Buffer
	handler := NewRedactHandler(slog.NewJSONHandler(&buf, nil))
	child := slog.New(handler).With("component", "llm")

	// Protect after the child logger exists.
	handler.Protect("hunter2")
	child.Info("password is hunter2")

	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("secret leaked through derived logger: %s", buf.String())
	}
}

func TestChainMalformedRefIsTerminal(t *testing.T) {
	chain := NewChain(nil)
	_, err := chain.Resolve(context.Background(), "keychain(foo)")
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected fault error, got %v", err)
	}
	if !fault.Terminal(fault.KindOf(err)) {
		t.Error("configuration errors should not be retryable")
	}
}
