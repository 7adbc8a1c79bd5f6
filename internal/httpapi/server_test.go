package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hablo-ai/voicegate/internal/carrier"
	"github.com/hablo-ai/voicegate/internal/config"
	"github.com/hablo-ai/voicegate/internal/relay"
)

func testServer() *Server {
	cfg := config.Config{Version: "1.4.2", Mode: "production"}
	return New(cfg, zerolog.Nop(), relay.Deps{}, relay.Options{}, nil)
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(testServer().Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "1.4.2" || body["mode"] != "production" {
		t.Fatalf("body = %v", body)
	}
}

func TestPerfLatencyWithoutMetrics(t *testing.T) {
	srv := httptest.NewServer(testServer().Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/perf/latency")
	if err != nil {
		t.Fatalf("GET /perf/latency: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestProviderFromQuery(t *testing.T) {
	cases := map[string]carrier.Provider{
		"twilio": carrier.ProviderTwilio,
		"Telnyx": carrier.ProviderTelnyx,
		"":       carrier.ProviderUnknown,
		"other":  carrier.ProviderUnknown,
	}
	for in, want := range cases {
		if got := providerFromQuery(in); got != want {
			t.Fatalf("providerFromQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
