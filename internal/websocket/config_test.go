package websocket

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsengine"
	"github.com/luciancaetano/wsengine/internal/tlsutil"
)

// TestDefaultRateLimitConfig tests the default rate limit configuration
func TestDefaultRateLimitConfig(t *testing.T) {
	t.Parallel()

	config := DefaultRateLimitConfig()

	if config == nil {
		t.Fatal("DefaultRateLimitConfig() returned nil")
	}

	if !config.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}

	if config.MessagesPerSecond != 100 {
		t.Errorf("MessagesPerSecond = %v, want 100", config.MessagesPerSecond)
	}

	if config.Burst != 200 {
		t.Errorf("Burst = %v, want 200", config.Burst)
	}
}

// TestNoRateLimit tests the no rate limit configuration
func TestNoRateLimit(t *testing.T) {
	t.Parallel()

	config := NoRateLimit()

	if config == nil {
		t.Fatal("NoRateLimit() returned nil")
	}

	if config.Enabled {
		t.Error("Expected rate limiting to be disabled")
	}

	if config.newLimiter() != nil {
		t.Error("disabled config produced a limiter")
	}
}

// TestRateLimiterCreation tests the per-connection limiter built from a config
func TestRateLimiterCreation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		config    *RateLimitConfig
		wantNil   bool
		wantLimit rate.Limit
		wantBurst int
	}{
		{
			name:      "default config",
			config:    DefaultRateLimitConfig(),
			wantLimit: 100,
			wantBurst: 200,
		},
		{
			name:    "no rate limit",
			config:  NoRateLimit(),
			wantNil: true,
		},
		{
			name:    "nil config",
			config:  nil,
			wantNil: true,
		},
		{
			name: "custom config",
			config: &RateLimitConfig{
				MessagesPerSecond: 50,
				Burst:             100,
				Enabled:           true,
			},
			wantLimit: 50,
			wantBurst: 100,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			limiter := tt.config.newLimiter()
			if tt.wantNil {
				if limiter != nil {
					t.Error("expected no limiter")
				}
				return
			}
			if limiter == nil {
				t.Fatal("expected a limiter")
			}
			if limiter.Limit() != tt.wantLimit {
				t.Errorf("Limit() = %v, want %v", limiter.Limit(), tt.wantLimit)
			}
			if limiter.Burst() != tt.wantBurst {
				t.Errorf("Burst() = %v, want %v", limiter.Burst(), tt.wantBurst)
			}
		})
	}
}

// TestTimeoutsDefaults tests that zero fields take defaults and negative
// read and ping values survive as "disabled"
func TestTimeoutsDefaults(t *testing.T) {
	t.Parallel()

	got := Timeouts{}.withDefaults()
	if got != DefaultTimeouts() {
		t.Errorf("zero Timeouts = %+v, want %+v", got, DefaultTimeouts())
	}

	got = Timeouts{Read: -1, Ping: -1, Close: 50 * time.Millisecond}.withDefaults()
	if got.Read != -1 || got.Ping != -1 {
		t.Errorf("disabled read/ping replaced: %+v", got)
	}
	if got.Close != 50*time.Millisecond {
		t.Errorf("Close = %v, want 50ms", got.Close)
	}
	if d := DefaultTimeouts(); d.Ping >= d.Read {
		t.Errorf("default ping %v is not shorter than read deadline %v", d.Ping, d.Read)
	}
}

// TestLimitsDefaults tests the default frame and message limits
func TestLimitsDefaults(t *testing.T) {
	t.Parallel()

	got := Limits{FragmentSize: 10}.withDefaults()
	if got.MaxFrameSize != 16<<20 {
		t.Errorf("MaxFrameSize = %d, want 16MB", got.MaxFrameSize)
	}
	if got.MaxMessageSize != 32<<20 {
		t.Errorf("MaxMessageSize = %d, want 32MB", got.MaxMessageSize)
	}
	if got.FragmentSize != 10 {
		t.Errorf("FragmentSize = %d, want 10", got.FragmentSize)
	}
	if got.InboxSize <= 0 {
		t.Errorf("InboxSize = %d, want > 0", got.InboxSize)
	}
}

// TestNewServerConfiguration tests server construction and config validation
func TestNewServerConfiguration(t *testing.T) {
	t.Parallel()

	cert, _, err := tlsutil.GenerateSelfSigned("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		config  *ServerConfig
		wantErr bool
	}{
		{name: "nil config", config: nil, wantErr: true},
		{name: "plain", config: &ServerConfig{Address: "127.0.0.1", Port: 8080}},
		{name: "ephemeral port", config: &ServerConfig{Address: "127.0.0.1"}},
		{name: "negative port", config: &ServerConfig{Port: -1}, wantErr: true},
		{name: "port too large", config: &ServerConfig{Port: 70000}, wantErr: true},
		{name: "tls without certificate", config: &ServerConfig{Port: 8080, TLS: true}, wantErr: true},
		{name: "tls", config: &ServerConfig{Port: 8080, TLS: true, Certificate: cert}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, err := New(tt.config)
			if tt.wantErr {
				if !errors.Is(err, wsengine.ErrConfiguration) {
					t.Errorf("New() error = %v, want ErrConfiguration", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if server.running {
				t.Error("new server should not be running")
			}
			if server.Addr() != nil {
				t.Errorf("Addr() = %v before Start, want nil", server.Addr())
			}
			if server.cfg.RateLimitConfig == nil {
				t.Error("expected default rate limit config when nil is passed")
			}
			if (server.tlsConfig != nil) != tt.config.TLS {
				t.Errorf("tlsConfig set = %v, want %v", server.tlsConfig != nil, tt.config.TLS)
			}
		})
	}
}

// TestNewServerCopiesConfig tests that later config changes have no effect
func TestNewServerCopiesConfig(t *testing.T) {
	t.Parallel()

	cfg := &ServerConfig{Address: "127.0.0.1", Port: 8080}
	server, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Port = 9090
	if server.cfg.Port != 8080 {
		t.Errorf("server port = %d after mutation, want 8080", server.cfg.Port)
	}
	if cfg.RateLimitConfig != nil {
		t.Error("New() mutated the caller's config")
	}
}

// TestNewClientConfiguration tests URL parsing and scheme validation
func TestNewClientConfiguration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   *ClientConfig
		wantErr  bool
		wantAddr string
		wantTLS  bool
	}{
		{name: "nil config", config: nil, wantErr: true},
		{name: "ws", config: &ClientConfig{URL: "ws://127.0.0.1:54321/path"}, wantAddr: "127.0.0.1:54321"},
		{name: "wss", config: &ClientConfig{URL: "wss://127.0.0.1:54320/path"}, wantAddr: "127.0.0.1:54320", wantTLS: true},
		{name: "ws default port", config: &ClientConfig{URL: "ws://example.com/"}, wantAddr: "example.com:80"},
		{name: "wss default port", config: &ClientConfig{URL: "wss://example.com"}, wantAddr: "example.com:443", wantTLS: true},
		{name: "ipv6", config: &ClientConfig{URL: "ws://[::1]:8080/"}, wantAddr: "[::1]:8080"},
		{name: "http scheme", config: &ClientConfig{URL: "http://127.0.0.1:80/"}, wantErr: true},
		{name: "no scheme", config: &ClientConfig{URL: "127.0.0.1:80"}, wantErr: true},
		{name: "no host", config: &ClientConfig{URL: "ws:///path"}, wantErr: true},
		{name: "bad url", config: &ClientConfig{URL: "ws://%zz"}, wantErr: true},
		{
			name:    "invalid header",
			config:  &ClientConfig{URL: "ws://127.0.0.1/", Header: http.Header{"X-Bad": {"a\r\nb"}}},
			wantErr: true,
		},
		{
			name:    "empty subprotocol",
			config:  &ClientConfig{URL: "ws://127.0.0.1/", Protocols: []string{""}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewClient(tt.config)
			if tt.wantErr {
				if !errors.Is(err, wsengine.ErrConfiguration) {
					t.Errorf("NewClient() error = %v, want ErrConfiguration", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			if client.addr != tt.wantAddr {
				t.Errorf("addr = %q, want %q", client.addr, tt.wantAddr)
			}
			if (client.tlsConfig != nil) != tt.wantTLS {
				t.Errorf("tls = %v, want %v", client.tlsConfig != nil, tt.wantTLS)
			}
			if client.Connected() {
				t.Error("new client reports Connected")
			}
			if client.Conn() != nil {
				t.Error("new client has a connection")
			}
			if client.State() != wsengine.StateClosed {
				t.Errorf("State() = %v, want closed", client.State())
			}
		})
	}
}

// TestClientTLSVerification tests that verification is on unless explicitly skipped
func TestClientTLSVerification(t *testing.T) {
	t.Parallel()

	strict, err := NewClient(&ClientConfig{URL: "wss://127.0.0.1:54320/"})
	if err != nil {
		t.Fatal(err)
	}
	if strict.tlsConfig.InsecureSkipVerify {
		t.Error("verification skipped without AllowUnverifiedCerts")
	}
	if strict.tlsConfig.ServerName != "127.0.0.1" {
		t.Errorf("ServerName = %q, want 127.0.0.1", strict.tlsConfig.ServerName)
	}

	lax, err := NewClient(&ClientConfig{URL: "wss://127.0.0.1:54320/", AllowUnverifiedCerts: true})
	if err != nil {
		t.Fatal(err)
	}
	if !lax.tlsConfig.InsecureSkipVerify {
		t.Error("AllowUnverifiedCerts did not skip verification")
	}
}
