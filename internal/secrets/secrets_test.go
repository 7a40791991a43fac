package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jkaninda/wasmbridge/internal/config"
)

// kvV2 builds a Vault KV v2 response body.
func kvV2(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{"data": data, "metadata": map[string]any{"version": 1}},
	})
	return b
}

// clearVaultEnv keeps the host environment out of the tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVault(t *testing.T, handler http.HandlerFunc, cfg config.VaultConfig) *VaultProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.Address = srv.URL
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	vp, err := NewVaultProvider(cfg)
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func dbSecrets(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/secret/data/mcp/github" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("X-Vault-Token") != "test-token" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_, _ = w.Write(kvV2(map[string]any{"token": "ghp_abc", "org": "acme"}))
}

// --- Scheme ---

func TestScheme(t *testing.T) {
	cases := map[string]string{
		"env://GH_TOKEN":          "env",
		"vault://secret/data/x#k": "vault",
		"https://example.com":     "",
		"env://":                  "",
		"plain":                   "",
	}
	for in, want := range cases {
		if got := Scheme(in); got != want {
			t.Errorf("Scheme(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Env ---

func TestEnvProvider(t *testing.T) {
	t.Setenv("WB_TEST_SECRET", "s3cret")
	p := NewEnvProvider()

	s, err := p.Resolve(context.Background(), "env://WB_TEST_SECRET")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Value != "s3cret" || s.Metadata["variable"] != "WB_TEST_SECRET" {
		t.Errorf("secret = %+v", s)
	}

	t.Setenv("WB_TEST_EMPTY", "")
	for _, ref := range []string{"env://WB_TEST_EMPTY", "env://WB_TEST_UNSET_XYZ", "vault://x"} {
		if _, err := p.Resolve(context.Background(), ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Resolve(%q) error = %v, want ErrSecretNotFound", ref, err)
		}
	}
}

// --- Router and ResolveMap ---

func TestResolveMap(t *testing.T) {
	clearVaultEnv(t)
	t.Setenv("WB_TEST_KEY", "from-env")
	r := NewRouter(newVault(t, dbSecrets, config.VaultConfig{}))

	got, err := ResolveMap(context.Background(), r, map[string]string{
		"API_KEY":  "env://WB_TEST_KEY",
		"GH_TOKEN": "vault://secret/data/mcp/github#token",
		"LOG":      "debug",
	})
	if err != nil {
		t.Fatalf("ResolveMap: %v", err)
	}
	if got["API_KEY"] != "from-env" || got["GH_TOKEN"] != "ghp_abc" || got["LOG"] != "debug" {
		t.Errorf("resolved = %v", got)
	}

	if m, err := ResolveMap(context.Background(), r, nil); err != nil || m != nil {
		t.Errorf("nil map = %v, %v", m, err)
	}
}

func TestResolveMap_ErrorNamesKeyOnly(t *testing.T) {
	_, err := ResolveMap(context.Background(), NewRouter(nil), map[string]string{
		"GH_TOKEN": "vault://secret/data/mcp/github#token",
	})
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("error = %v, want ErrSecretNotFound", err)
	}
	if !strings.Contains(err.Error(), "GH_TOKEN") || strings.Contains(err.Error(), "secret/data") {
		t.Errorf("error = %q", err)
	}
}

// --- Vault ---

func TestVaultProvider_Field(t *testing.T) {
	clearVaultEnv(t)
	vp := newVault(t, dbSecrets, config.VaultConfig{})

	s, err := vp.Resolve(context.Background(), "vault://secret/data/mcp/github#token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Value != "ghp_abc" || s.Metadata["field"] != "token" {
		t.Errorf("secret = %+v", s)
	}
}

func TestVaultProvider_WholeMap(t *testing.T) {
	clearVaultEnv(t)
	vp := newVault(t, dbSecrets, config.VaultConfig{})

	s, err := vp.Resolve(context.Background(), "vault://secret/data/mcp/github")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.Value), &m); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if m["org"] != "acme" {
		t.Errorf("map = %v", m)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	clearVaultEnv(t)
	vp := newVault(t, dbSecrets, config.VaultConfig{})
	ctx := context.Background()

	for _, ref := range []string{
		"vault://secret/data/missing#token",
		"vault://secret/data/mcp/github#nope",
		"vault://",
		"env://X",
	} {
		if _, err := vp.Resolve(ctx, ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Resolve(%q) error = %v, want ErrSecretNotFound", ref, err)
		}
	}

	denied := newVault(t, dbSecrets, config.VaultConfig{Token: "wrong"})
	_, err := denied.Resolve(ctx, "vault://secret/data/mcp/github#token")
	if err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("forbidden error = %v", err)
	}
}

func TestVaultProvider_EnvOverridesAndNamespace(t *testing.T) {
	clearVaultEnv(t)
	var gotNS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNS = r.Header.Get("X-Vault-Namespace")
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(kvV2(map[string]any{"k": "v"}))
	}))
	t.Cleanup(srv.Close)

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "team-a")
	vp, err := NewVaultProvider(config.VaultConfig{Address: "http://unused", Token: "file-token", Namespace: "file-ns"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vp.Resolve(context.Background(), "vault://secret/data/x#k"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotNS != "team-a" {
		t.Errorf("namespace = %q", gotNS)
	}
}

func TestNewVaultProvider_Required(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(config.VaultConfig{Token: "t"}); err == nil {
		t.Error("expected error without address")
	}
	if _, err := NewVaultProvider(config.VaultConfig{Address: "http://vault:8200"}); err == nil {
		t.Error("expected error without token")
	}
}
