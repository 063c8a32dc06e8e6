package ws

import (
	"github.com/luciancaetano/wsengine"
	"github.com/luciancaetano/wsengine/internal/websocket"
)

type ClientConfig = websocket.ClientConfig

// NewClient creates a disconnected WebSocket client. The URL scheme must be
// ws or wss.
//
// Example:
//
//	client, err := ws.NewClient(ws.NewClientConfig("wss://127.0.0.1:54320/path", "localhost", onReceive))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Connect(ctx); err != nil {
//	    log.Printf("connect failed: %v", err)
//	}
func NewClient(cfg *ClientConfig) (wsengine.Connector, error) {
	client, err := websocket.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NewClientConfig returns a client configuration for url with certificate
// verification enabled.
func NewClientConfig(url, origin string, onReceive wsengine.Handler) *ClientConfig {
	return &ClientConfig{
		URL:       url,
		Origin:    origin,
		OnReceive: onReceive,
		Limits:    websocket.DefaultLimits(),
		Timeouts:  websocket.DefaultTimeouts(),
	}
}
