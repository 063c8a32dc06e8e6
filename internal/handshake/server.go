package handshake

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
)

// Request is a validated client Upgrade request.
type Request struct {
	// Path is the request URI as sent, including any query.
	Path      string
	Host      string
	Origin    string
	Key       string
	Protocols []string
	Header    http.Header

	// HTTP is the parsed request, kept for origin checks that need more than
	// the Origin header.
	HTTP *http.Request
}

// ReadRequest reads the Upgrade request from br and validates it. Bytes
// following the request headers remain buffered in br.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Reason: "malformed request", Err: err}
	}

	if req.Method != http.MethodGet {
		return nil, Reject(http.StatusMethodNotAllowed, "method %s is not GET", req.Method)
	}
	if !req.ProtoAtLeast(1, 1) {
		return nil, Reject(http.StatusBadRequest, "protocol %s is older than HTTP/1.1", req.Proto)
	}
	if headerSize(req.Header) > MaxHeaderBytes {
		return nil, Reject(http.StatusRequestHeaderFieldsTooLarge, "headers exceed %d bytes", MaxHeaderBytes)
	}
	if !hasToken(req.Header, headerConnection, "upgrade") {
		return nil, Reject(http.StatusBadRequest, "'upgrade' token not found in 'Connection' header")
	}
	if !hasToken(req.Header, headerUpgrade, "websocket") {
		return nil, Reject(http.StatusBadRequest, "'websocket' token not found in 'Upgrade' header")
	}
	if req.Header.Get(headerVersion) != Version {
		e := Reject(http.StatusUpgradeRequired, "unsupported version %q", req.Header.Get(headerVersion))
		e.Header = http.Header{headerVersion: {Version}}
		return nil, e
	}

	key := strings.TrimSpace(req.Header.Get(headerKey))
	if key == "" {
		return nil, Reject(http.StatusBadRequest, "missing %s header", headerKey)
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != keyLen {
		return nil, Reject(http.StatusBadRequest, "%s is not a base64 encoded 16 byte value", headerKey)
	}

	return &Request{
		Path:      req.RequestURI,
		Host:      req.Host,
		Origin:    req.Header.Get(headerOrigin),
		Key:       key,
		Protocols: tokens(req.Header, headerProtocol),
		Header:    req.Header,
		HTTP:      req,
	}, nil
}

// SelectProtocol returns the first subprotocol requested by the client that
// the server supports, or "" if there is none.
func (r *Request) SelectProtocol(supported []string) string {
	for _, p := range r.Protocols {
		if slices.Contains(supported, p) {
			return p
		}
	}
	return ""
}

// WriteResponse writes the 101 Switching Protocols response for req.
func WriteResponse(w io.Writer, req *Request, protocol string, extra http.Header) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "%s: %s\r\n", headerAccept, AcceptKey(req.Key))
	if protocol != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", headerProtocol, protocol)
	}
	if req.Origin != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", headerEchoOrigin, req.Origin)
	}
	if err := writeHeader(&b, extra); err != nil {
		return err
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteReject answers a failed handshake with a plain text HTTP error.
func WriteReject(w io.Writer, e *Error) error {
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	body := http.StatusText(status)

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Connection: close\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	if err := writeHeader(&b, e.Header); err != nil {
		return err
	}
	b.WriteString("\r\n")
	b.WriteString(body)

	_, err := io.WriteString(w, b.String())
	return err
}

func headerSize(h http.Header) int {
	total := 0
	for k, vs := range h {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
	}
	return total
}
