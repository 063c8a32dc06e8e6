// Package wsengine provides a WebSocket server and client engine built directly on
// net.Conn and crypto/tls.
//
// The engine implements the RFC 6455 opening handshake and framing itself, so it
// interoperates with any standard WebSocket peer. A Listener accepts plaintext or
// TLS connections; a Connector opens ws:// or wss:// connections. Both sides share
// the same connection implementation and deliver complete messages to a Handler.
//
// # Architecture
//
//	accept -> [TLS handshake] -> opening handshake -> Conn -> reader -> assembler -> dispatcher -> Handler
//	                                                      \-> send queue -> writer
//
// Each connection runs three goroutines: a reader decoding frames, a writer draining
// the send queue and sending keepalive pings, and a dispatcher invoking the Handler.
// Handlers of one connection run in wire order; different connections never block
// each other, and none of them block the accept loop.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/wsengine"
//	    "github.com/luciancaetano/wsengine/ws"
//	)
//
//	// Echo server
//	cfg := ws.NewServerConfig("127.0.0.1", 54321, func(conn wsengine.Conn, msg wsengine.Message) {
//	    conn.Send(conn.Context(), msg.String())
//	})
//	server, err := ws.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Start(ctx)
//
//	// Client
//	client, _ := ws.NewClient(&ws.ClientConfig{
//	    URL:    "ws://127.0.0.1:54321/path",
//	    Origin: "localhost",
//	    OnReceive: func(conn wsengine.Conn, msg wsengine.Message) {
//	        fmt.Println(msg.String())
//	    },
//	})
//	client.Connect(ctx)
//	client.Send(ctx, "Test")
//
// # TLS
//
// Set TLS and Certificate on the server config. Clients dial wss:// URLs; the
// AllowUnverifiedCerts option skips certificate verification and exists only for
// self-signed test certificates. It is never enabled implicitly.
//
// # Errors
//
// Errors wrap one of ErrConfiguration, ErrHandshake, ErrProtocol, ErrTransport or
// ErrConnectionClosed. Nothing reconnects automatically.
//
// # Limits
//
//   - Maximum frame payload: 16MB (configurable)
//   - Maximum message size: 32MB (configurable)
//   - Handshake timeout: 10s
//   - Read timeout: 60s, refreshed by any inbound frame
//   - Ping every 54 seconds
//   - Per-connection rate limiting (server side), close code 1008 when exceeded
package wsengine
