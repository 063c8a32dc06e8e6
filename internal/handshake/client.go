package handshake

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Headers the client controls; user supplied values for these are dropped.
var reservedClientHeaders = map[string]bool{
	"Host":                                  true,
	headerUpgrade:                           true,
	headerConnection:                        true,
	headerOrigin:                            true,
	http.CanonicalHeaderKey(headerKey):      true,
	http.CanonicalHeaderKey(headerVersion):  true,
	http.CanonicalHeaderKey(headerProtocol): true,
}

// ClientRequest is the initiating side of the handshake.
type ClientRequest struct {
	URL       *url.URL
	Origin    string
	Key       string
	Protocols []string
	Header    http.Header
}

// NewClientRequest prepares a request for u with a fresh random key.
func NewClientRequest(u *url.URL, origin string, header http.Header, protocols []string) *ClientRequest {
	return &ClientRequest{
		URL:       u,
		Origin:    origin,
		Key:       NewKey(),
		Protocols: protocols,
		Header:    header,
	}
}

// Write serializes the Upgrade request.
func (r *ClientRequest) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", r.URL.RequestURI())
	fmt.Fprintf(&b, "Host: %s\r\n", r.URL.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "%s: %s\r\n", headerKey, r.Key)
	fmt.Fprintf(&b, "%s: %s\r\n", headerVersion, Version)
	if r.Origin != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", headerOrigin, r.Origin)
	}
	if len(r.Protocols) > 0 {
		fmt.Fprintf(&b, "%s: %s\r\n", headerProtocol, strings.Join(r.Protocols, ", "))
	}

	extra := make(http.Header, len(r.Header))
	for k, vs := range r.Header {
		if !reservedClientHeaders[http.CanonicalHeaderKey(k)] {
			extra[k] = vs
		}
	}
	if err := writeHeader(&b, extra); err != nil {
		return err
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// Response is the validated server answer.
type Response struct {
	Protocol string
	Header   http.Header
}

// ReadResponse reads the server's response from br and validates it against
// req. Frames the server sent right after the response stay buffered in br.
func ReadResponse(br *bufio.Reader, req *ClientRequest) (*Response, error) {
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet, URL: req.URL})
	if err != nil {
		return nil, &Error{Reason: "malformed response", Err: err}
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
		return nil, &Error{Status: resp.StatusCode, Reason: "server did not switch protocols", Header: resp.Header}
	}
	if !hasToken(resp.Header, headerUpgrade, "websocket") {
		return nil, &Error{Status: resp.StatusCode, Reason: "'websocket' token not found in 'Upgrade' header"}
	}
	if !hasToken(resp.Header, headerConnection, "upgrade") {
		return nil, &Error{Status: resp.StatusCode, Reason: "'upgrade' token not found in 'Connection' header"}
	}
	if got, want := resp.Header.Get(headerAccept), AcceptKey(req.Key); got != want {
		return nil, &Error{Status: resp.StatusCode, Reason: fmt.Sprintf("%s mismatch: got %q, want %q", headerAccept, got, want)}
	}

	protocol := resp.Header.Get(headerProtocol)
	if protocol != "" && !slices.Contains(req.Protocols, protocol) {
		return nil, &Error{Status: resp.StatusCode, Reason: fmt.Sprintf("server selected unrequested subprotocol %q", protocol)}
	}

	return &Response{Protocol: protocol, Header: resp.Header}, nil
}

func writeHeader(b *strings.Builder, h http.Header) error {
	for k, vs := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			return fmt.Errorf("handshake: invalid header name %q", k)
		}
		for _, v := range vs {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("handshake: invalid value for header %q", k)
			}
			fmt.Fprintf(b, "%s: %s\r\n", k, v)
		}
	}
	return nil
}
