package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVaultSourceLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/warden/tenants" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"data":{"ACME_TOKEN":"s3cret"}}}`))
	}))
	defer srv.Close()

	src := VaultSource{Addr: srv.URL, Token: "tok", SecretPath: "warden/tenants"}
	v, ok, err := src.Lookup(context.Background(), "ACME_TOKEN")
	if err != nil || !ok || v != "s3cret" {
		t.Fatalf("lookup: v=%q ok=%v err=%v", v, ok, err)
	}
	if _, ok, err := src.Lookup(context.Background(), "NOPE"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestResolvePlaceholder(t *testing.T) {
	ctx := context.Background()
	t.Setenv("WARDEN_PH_SET", "value")

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"literal", "literal", false},
		{"${WARDEN_PH_SET}", "value", false},
		{"${WARDEN_PH_SET:ignored}", "value", false},
		{"${WARDEN_PH_UNSET:fallback}", "fallback", false},
		{"${WARDEN_PH_UNSET:}", "", false},
		{"${WARDEN_PH_UNSET}", "", true},
		{"${:oops}", "", true},
	}
	for _, tc := range cases {
		got, err := resolvePlaceholder(ctx, EnvSource{}, "k", tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %q err %v", tc.in, got, err)
		}
	}
}
