package devicectl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestResolveBinaryFallsBackToNameWhenNotFound(t *testing.T) {
	got := ResolveBinary("definitely-not-a-real-binary-xyz", "some-app", "some-app.exe")
	if got != "definitely-not-a-real-binary-xyz" {
		t.Errorf("ResolveBinary = %q, want the bare name back", got)
	}
}

func tunnelServer(t *testing.T, body map[string][]map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestLookupTunnelExactMatch(t *testing.T) {
	srv := tunnelServer(t, map[string][]map[string]any{
		"ABCD-1234": {{"tunnel-address": "127.0.0.1", "tunnel-port": float64(5000)}},
		"OTHER":     {{"tunnel-address": "127.0.0.1", "tunnel-port": float64(6000)}},
	})
	defer srv.Close()

	desc, err := LookupTunnel(context.Background(), srv.URL, "ABCD-1234", time.Second, nil)
	if err != nil {
		t.Fatalf("LookupTunnel: %v", err)
	}
	if desc.Port != 5000 {
		t.Errorf("Port = %d, want 5000 (exact match)", desc.Port)
	}
}

func TestLookupTunnelDashlessMatch(t *testing.T) {
	srv := tunnelServer(t, map[string][]map[string]any{
		"ABCD-1234-EF": {{"tunnel-address": "127.0.0.1", "tunnel-port": float64(5001)}},
	})
	defer srv.Close()

	desc, err := LookupTunnel(context.Background(), srv.URL, "ABCD1234EF", time.Second, nil)
	if err != nil {
		t.Fatalf("LookupTunnel: %v", err)
	}
	if desc.Port != 5001 {
		t.Errorf("Port = %d, want 5001 (dashless match)", desc.Port)
	}
}

func TestLookupTunnelFallsBackToAnyDevice(t *testing.T) {
	srv := tunnelServer(t, map[string][]map[string]any{
		"SOME-OTHER-DEVICE": {{"tunnel-address": "127.0.0.1", "tunnel-port": float64(5002)}},
	})
	defer srv.Close()

	desc, err := LookupTunnel(context.Background(), srv.URL, "NOT-PRESENT", time.Second, nil)
	if err != nil {
		t.Fatalf("LookupTunnel: %v", err)
	}
	if desc.Port != 5002 {
		t.Errorf("Port = %d, want 5002 (any-device fallback)", desc.Port)
	}
}

func TestLookupTunnelNoDataIsError(t *testing.T) {
	srv := tunnelServer(t, map[string][]map[string]any{})
	defer srv.Close()

	if _, err := LookupTunnel(context.Background(), srv.URL, "X", time.Second, nil); err == nil {
		t.Error("expected an error when tunneld has no entries")
	}
}
