package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/eventrelay/errors"
)

// WebSocketDialer reads the upstream from a WebSocket endpoint. Each text
// frame carries one or more newline separated records.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

// Dial performs the WebSocket handshake. A handshake answered with a plain
// HTTP error status is returned as an *UpstreamStatusError.
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 45 * time.Second
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshake,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			var body []byte
			if resp.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
				resp.Body.Close()
			}
			return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
	}

	idle := d.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &wsTransport{conn: conn, idle: idle}, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	idle    time.Duration
	pending [][]byte
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	for len(t.pending) == 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.idle)); err != nil {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"WebSocketDialer", "ReadLine", "set read deadline")
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, errors.WrapTransient(
					fmt.Errorf("%w: no data for %s", errors.ErrConnectionTimeout, t.idle),
					"WebSocketDialer", "ReadLine", "read frame")
			}
			return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"WebSocketDialer", "ReadLine", "read frame")
		}

		if len(data) == 0 {
			return data, nil
		}
		for _, line := range bytes.Split(bytes.TrimSuffix(data, []byte{'\n'}), []byte{'\n'}) {
			t.pending = append(t.pending, trimEOL(line))
		}
	}

	line := t.pending[0]
	t.pending = t.pending[1:]
	return line, nil
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
