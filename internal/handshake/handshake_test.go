package handshake

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/luciancaetano/wsengine"
)

const rfcRequest = "GET /chat?room=1 HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: keep-alive, Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Origin: http://example.com\r\n" +
	"Sec-WebSocket-Protocol: chat, superchat\r\n" +
	"Sec-WebSocket-Version: 13\r\n" +
	"\r\n"

// TestAcceptKey tests the RFC 6455 section 1.3 example
func TestAcceptKey(t *testing.T) {
	t.Parallel()

	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="; got != want {
		t.Errorf("AcceptKey() = %q, want %q", got, want)
	}
}

// TestNewKey tests that generated keys are unique 16 byte values
func TestNewKey(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := NewKey()
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			t.Fatalf("key %q is not base64: %v", key, err)
		}
		if len(raw) != 16 {
			t.Fatalf("decoded key length = %d, want 16", len(raw))
		}
		if seen[key] {
			t.Fatalf("duplicate key %q", key)
		}
		seen[key] = true
	}
}

// TestReadRequest tests parsing a valid upgrade request
func TestReadRequest(t *testing.T) {
	t.Parallel()

	trailing := "\x81\x80frame"
	br := bufio.NewReader(strings.NewReader(rfcRequest + trailing))

	req, err := ReadRequest(br)
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}

	if req.Path != "/chat?room=1" {
		t.Errorf("Path = %q, want /chat?room=1", req.Path)
	}
	if req.Host != "server.example.com" {
		t.Errorf("Host = %q", req.Host)
	}
	if req.Origin != "http://example.com" {
		t.Errorf("Origin = %q", req.Origin)
	}
	if len(req.Protocols) != 2 || req.Protocols[0] != "chat" || req.Protocols[1] != "superchat" {
		t.Errorf("Protocols = %v", req.Protocols)
	}
	if got := req.SelectProtocol([]string{"superchat"}); got != "superchat" {
		t.Errorf("SelectProtocol() = %q, want superchat", got)
	}
	if got := req.SelectProtocol([]string{"other"}); got != "" {
		t.Errorf("SelectProtocol() = %q, want empty", got)
	}
	if br.Buffered() != len(trailing) {
		t.Errorf("buffered = %d, want %d bytes left for the frame reader", br.Buffered(), len(trailing))
	}
}

// TestReadRequestRejects tests validation failures and their HTTP status
func TestReadRequestRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantStatus int
	}{
		{
			name:       "garbage",
			raw:        "NOT HTTP\r\n\r\n",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "post method",
			raw:        strings.Replace(rfcRequest, "GET", "POST", 1),
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "http 1.0",
			raw:        strings.Replace(rfcRequest, "HTTP/1.1", "HTTP/1.0", 1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing upgrade header",
			raw:        strings.Replace(rfcRequest, "Upgrade: websocket\r\n", "", 1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing connection upgrade",
			raw:        strings.Replace(rfcRequest, "Connection: keep-alive, Upgrade\r\n", "Connection: keep-alive\r\n", 1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing key",
			raw:        strings.Replace(rfcRequest, "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n", "", 1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "short key",
			raw:        strings.Replace(rfcRequest, "dGhlIHNhbXBsZSBub25jZQ==", "c2hvcnQ=", 1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "old version",
			raw:        strings.Replace(rfcRequest, "Version: 13", "Version: 8", 1),
			wantStatus: http.StatusUpgradeRequired,
		},
		{
			name:       "huge headers",
			raw:        strings.Replace(rfcRequest, "\r\n\r\n", "\r\nX-Big: "+strings.Repeat("a", MaxHeaderBytes)+"\r\n\r\n", 1),
			wantStatus: http.StatusRequestHeaderFieldsTooLarge,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ReadRequest(bufio.NewReader(strings.NewReader(tt.raw)))
			if err == nil {
				t.Fatal("ReadRequest() succeeded, want error")
			}
			if !errors.Is(err, wsengine.ErrHandshake) {
				t.Errorf("error %v does not wrap ErrHandshake", err)
			}
			var herr *Error
			if !errors.As(err, &herr) {
				t.Fatalf("error %T is not *Error", err)
			}
			if herr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", herr.Status, tt.wantStatus)
			}
		})
	}
}

// TestWriteResponse tests the 101 response as seen by net/http
func TestWriteResponse(t *testing.T) {
	t.Parallel()

	req, err := ReadRequest(bufio.NewReader(strings.NewReader(rfcRequest)))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, req, "chat", http.Header{"X-Server": {"wsengine"}}); err != nil {
		t.Fatalf("WriteResponse() error = %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	if err != nil {
		t.Fatalf("response does not parse: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}
	checks := map[string]string{
		"Sec-WebSocket-Accept":   "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=",
		"Sec-WebSocket-Protocol": "chat",
		"Sec-WebSocket-Origin":   "http://example.com",
		"Upgrade":                "websocket",
		"Connection":             "Upgrade",
		"X-Server":               "wsengine",
	}
	for k, want := range checks {
		if got := resp.Header.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

// TestWriteReject tests the error response for a version mismatch
func TestWriteReject(t *testing.T) {
	t.Parallel()

	_, err := ReadRequest(bufio.NewReader(strings.NewReader(strings.Replace(rfcRequest, "Version: 13", "Version: 7", 1))))
	var herr *Error
	if !errors.As(err, &herr) {
		t.Fatalf("expected *Error, got %v", err)
	}

	var buf bytes.Buffer
	if err := WriteReject(&buf, herr); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	if err != nil {
		t.Fatalf("reject does not parse: %v", err)
	}
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
	if got := resp.Header.Get("Sec-WebSocket-Version"); got != "13" {
		t.Errorf("Sec-WebSocket-Version = %q, want 13", got)
	}
}

// TestClientServerRoundTrip tests our client request against our server parser
func TestClientServerRoundTrip(t *testing.T) {
	t.Parallel()

	u, _ := url.Parse("ws://127.0.0.1:54321/path?x=1")
	creq := NewClientRequest(u, "localhost", http.Header{
		"X-Trace":           {"abc"},
		"Sec-WebSocket-Key": {"must-be-dropped"},
	}, []string{"v1", "v2"})

	var wire bytes.Buffer
	if err := creq.Write(&wire); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	sreq, err := ReadRequest(bufio.NewReader(&wire))
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}
	if sreq.Key != creq.Key {
		t.Errorf("server saw key %q, client sent %q", sreq.Key, creq.Key)
	}
	if sreq.Path != "/path?x=1" || sreq.Origin != "localhost" || sreq.Host != "127.0.0.1:54321" {
		t.Errorf("request = path %q origin %q host %q", sreq.Path, sreq.Origin, sreq.Host)
	}
	if sreq.Header.Get("X-Trace") != "abc" {
		t.Error("custom header lost")
	}

	var resp bytes.Buffer
	if err := WriteResponse(&resp, sreq, sreq.SelectProtocol([]string{"v2"}), nil); err != nil {
		t.Fatal(err)
	}
	resp.WriteString("\x81\x02hi")

	br := bufio.NewReader(&resp)
	got, err := ReadResponse(br, creq)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if got.Protocol != "v2" {
		t.Errorf("Protocol = %q, want v2", got.Protocol)
	}
	if br.Buffered() != 4 {
		t.Errorf("buffered = %d, want the 4 frame bytes after the response", br.Buffered())
	}
}

// TestReadResponseRejects tests client side validation of the server answer
func TestReadResponseRejects(t *testing.T) {
	t.Parallel()

	u, _ := url.Parse("ws://example.com/")
	req := NewClientRequest(u, "", nil, []string{"chat"})
	accept := AcceptKey(req.Key)

	tests := []struct {
		name       string
		raw        string
		wantStatus int
	}{
		{
			name:       "forbidden",
			raw:        "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "accept mismatch",
			raw:        "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: bogus\r\n\r\n",
			wantStatus: http.StatusSwitchingProtocols,
		},
		{
			name:       "missing upgrade",
			raw:        "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: " + accept + "\r\n\r\n",
			wantStatus: http.StatusSwitchingProtocols,
		},
		{
			name:       "unrequested protocol",
			raw:        "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: " + accept + "\r\nSec-WebSocket-Protocol: other\r\n\r\n",
			wantStatus: http.StatusSwitchingProtocols,
		},
		{
			name: "garbage",
			raw:  "hello\r\n\r\n",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ReadResponse(bufio.NewReader(strings.NewReader(tt.raw)), req)
			if !errors.Is(err, wsengine.ErrHandshake) {
				t.Fatalf("error = %v, want ErrHandshake", err)
			}
			var herr *Error
			if errors.As(err, &herr) && herr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", herr.Status, tt.wantStatus)
			}
		})
	}
}

// TestClientRequestInvalidHeader tests that header injection is refused
func TestClientRequestInvalidHeader(t *testing.T) {
	t.Parallel()

	u, _ := url.Parse("ws://example.com/")
	req := NewClientRequest(u, "", http.Header{"X-Evil": {"a\r\nInjected: yes"}}, nil)

	if err := req.Write(&bytes.Buffer{}); err == nil {
		t.Error("expected error for CRLF in header value")
	}
}

// TestGobwasDialerAgainstServerRole cross-checks the server role with gobwas/ws
func TestGobwasDialerAgainstServerRole(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	deadline := time.Now().Add(5 * time.Second)
	client.SetDeadline(deadline)
	server.SetDeadline(deadline)

	errc := make(chan error, 1)
	go func() {
		req, err := ReadRequest(bufio.NewReader(server))
		if err != nil {
			errc <- err
			return
		}
		errc <- WriteResponse(server, req, "", nil)
	}()

	u, _ := url.Parse("ws://localhost/path")
	if _, _, err := (ws.Dialer{}).Upgrade(client, u); err != nil {
		t.Fatalf("gobwas Upgrade() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server role error = %v", err)
	}
}

// TestClientRoleAgainstGobwasUpgrader cross-checks the client role with gobwas/ws
func TestClientRoleAgainstGobwasUpgrader(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	deadline := time.Now().Add(5 * time.Second)
	client.SetDeadline(deadline)
	server.SetDeadline(deadline)

	errc := make(chan error, 1)
	go func() {
		_, err := ws.Upgrade(server)
		errc <- err
	}()

	u, _ := url.Parse("ws://localhost/path")
	req := NewClientRequest(u, "localhost", nil, nil)
	if err := req.Write(client); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := ReadResponse(bufio.NewReader(client), req); err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("gobwas Upgrade() error = %v", err)
	}
}

// countingReader counts the bytes handed out by R.
type countingReader struct {
	R io.Reader
	N int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.N += int64(n)
	return n, err
}

// TestReaderBoundsRequestHead tests that an oversized request head is
// rejected after reading at most MaxRequestBytes from the wire
func TestReaderBoundsRequestHead(t *testing.T) {
	t.Parallel()

	head := strings.TrimSuffix(rfcRequest, "\r\n") + "X-Big: "
	src := &countingReader{R: io.MultiReader(
		strings.NewReader(head),
		io.LimitReader(neverEnding('a'), 32<<20),
		strings.NewReader("\r\n\r\n"),
	)}

	_, err := NewReader(src, 4096).ReadRequest()
	var herr *Error
	if !errors.As(err, &herr) {
		t.Fatalf("ReadRequest() error = %v, want *Error", err)
	}
	if herr.Status != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("Status = %d, want 431", herr.Status)
	}
	if src.N > MaxRequestBytes {
		t.Errorf("consumed %d bytes, want at most %d", src.N, MaxRequestBytes)
	}
}

// TestReaderRelease tests that frame bytes past the allowance are readable
// once the limit is released
func TestReaderRelease(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x81}, 4*MaxRequestBytes)
	r := NewReader(io.MultiReader(strings.NewReader(rfcRequest), bytes.NewReader(payload)), 4096)

	if _, err := r.ReadRequest(); err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}
	r.Release()

	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != len(payload) {
		t.Errorf("read %d bytes after the request, want %d", len(rest), len(payload))
	}
}

type neverEnding byte

func (b neverEnding) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}
