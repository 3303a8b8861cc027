// Package tunnelclient is the device side of the reverse tunnel: it dials
// out to a relay, registers under the device's serial, and answers
// whatever HTTP requests the relay multiplexes back by replaying them
// against the gateway's own loopback HTTP listener. Reconnects on any
// disconnect with exponential backoff, the same posture the teacher's
// daemon-to-relay WebSocket client takes toward its server.
package tunnelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/agentd/internal/logger"
	"github.com/ehrlich-b/agentd/internal/protocol"
)

// maxFrameBody matches the relay's maxInlineBody; larger responses are
// split across HTTPBodyChunk continuations.
const maxFrameBody = 256 * 1024

// ErrAuthRejected is returned by Run (via its log output) when the relay
// rejects this device's tunnel key; the caller should not keep retrying
// with the same key.
var ErrAuthRejected = errors.New("tunnelclient: relay rejected tunnel key")

// Config configures a Client.
type Config struct {
	RelayURL   string // e.g. wss://relay.example.com/device/ws
	Serial     string
	TunnelKey  string
	LocalAddr  string // gateway's loopback HTTP address, e.g. "127.0.0.1:7337"
	Backoff    Backoff
}

// Client maintains the device's outbound connection to a relay.
type Client struct {
	cfg Config

	httpClient *http.Client

	wsMu    sync.Mutex
	wsTable map[string]*localWSBridge
}

// localWSBridge is one bridged WebSocket stream the device has opened
// against its own loopback gateway on behalf of a relay-side caller.
type localWSBridge struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
}

// New creates a Client. If cfg.Backoff is the zero value, sensible
// defaults are applied.
func New(cfg Config) *Client {
	if cfg.Backoff.Base == 0 {
		cfg.Backoff.Base = 500 * time.Millisecond
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 25 * time.Second},
		wsTable:    make(map[string]*localWSBridge),
	}
}

// Run connects and serves forever, reconnecting with backoff until ctx is
// canceled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.connectAndServe(ctx)
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := c.cfg.Backoff.Next()
		logger.Named("tunnelclient").Warn("relay link lost, reconnecting", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	reg, _ := json.Marshal(protocol.DeviceRegister{
		Type:      protocol.TypeDeviceRegister,
		Serial:    c.cfg.Serial,
		TunnelKey: c.cfg.TunnelKey,
	})
	if err := conn.Write(ctx, websocket.MessageText, reg); err != nil {
		return err
	}

	ackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, data, err := conn.Read(ackCtx)
	cancel()
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return ErrAuthRejected
		}
		return err
	}
	var ack protocol.DeviceRegistered
	if err := protocol.Decode(data, protocol.TypeDeviceRegistered, &ack); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "registration rejected")
		return ErrAuthRejected
	}

	c.cfg.Backoff.Reset()
	logger.Named("tunnelclient").Info("registered with relay", "serial", c.cfg.Serial)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.closeAllBridges()
			return err
		}
		go c.dispatchFrame(ctx, conn, data)
	}
}

// dispatchFrame routes one decoded envelope from the relay to the right
// handler by type, since the link now multiplexes plain HTTP frames
// alongside bridged WebSocket open/frame/close events.
func (c *Client) dispatchFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	switch env.Type {
	case protocol.TypeWSOpen:
		var open protocol.WSOpen
		if json.Unmarshal(data, &open) == nil {
			c.handleWSOpen(ctx, conn, open)
		}
	case protocol.TypeWSFrame:
		var f protocol.WSFrame
		if json.Unmarshal(data, &f) == nil {
			c.deliverWSFrame(f)
		}
	case protocol.TypeWSClose:
		var cl protocol.WSClose
		if json.Unmarshal(data, &cl) == nil {
			c.deliverWSClose(cl)
		}
	default:
		c.handleHTTPFrame(ctx, conn, data)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb, _ := json.Marshal(protocol.DeviceHeartbeat{Type: protocol.TypeDeviceHeartbeat, Serial: c.cfg.Serial})
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, hb)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// handleHTTPFrame replays one tunneled HTTP request against the gateway's
// loopback listener and streams the response back over the relay link.
func (c *Client) handleHTTPFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	resp, body, err := c.proxyLocally(ctx, f)
	if err != nil {
		logger.Named("tunnelclient").Warn("local proxy failed", "path", f.Path, "err", err)
		resp = &http.Response{StatusCode: http.StatusBadGateway}
		body = []byte(err.Error())
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	head := body
	final := true
	if len(head) > maxFrameBody {
		head = body[:maxFrameBody]
		final = false
	}

	out := protocol.Frame{
		Type:      protocol.TypeHTTPResponse,
		RequestID: f.RequestID,
		Kind:      protocol.KindHTTP,
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      head,
		Final:     final,
	}
	encoded, _ := json.Marshal(out)
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn.Write(writeCtx, websocket.MessageText, encoded)
	cancel()

	for rest := body[len(head):]; len(rest) > 0 || !final; {
		chunk := rest
		chunkFinal := true
		if len(chunk) > maxFrameBody {
			chunk = rest[:maxFrameBody]
			chunkFinal = false
		}
		bc := protocol.HTTPBodyChunk{
			Type:      protocol.TypeHTTPBodyChunk,
			RequestID: f.RequestID,
			Body:      chunk,
			Final:     chunkFinal,
		}
		encoded, _ := json.Marshal(bc)
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn.Write(writeCtx, websocket.MessageText, encoded)
		cancel()
		rest = rest[len(chunk):]
		final = chunkFinal
	}
}

// handleWSOpen dials the gateway's loopback WebSocket endpoint named in
// open.Path and pumps frames between it and the relay link until either
// side closes, the device-side half of the relay's handleProxyWS bridge.
func (c *Client) handleWSOpen(ctx context.Context, relayConn *websocket.Conn, open protocol.WSOpen) {
	url := "ws://" + c.cfg.LocalAddr + "/" + strings.TrimPrefix(open.Path, "/")
	header := http.Header{}
	for k, v := range open.Headers {
		header.Set(k, v)
	}

	localConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		logger.Named("tunnelclient").Warn("local ws dial failed", "path", open.Path, "err", err)
		closeMsg, _ := json.Marshal(protocol.WSClose{Type: protocol.TypeWSClose, RequestID: open.RequestID, Reason: err.Error()})
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		relayConn.Write(writeCtx, websocket.MessageText, closeMsg)
		cancel()
		return
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	bridge := &localWSBridge{conn: localConn, cancel: cancel}
	c.wsMu.Lock()
	c.wsTable[open.RequestID] = bridge
	c.wsMu.Unlock()

	go func() {
		defer func() {
			c.wsMu.Lock()
			delete(c.wsTable, open.RequestID)
			c.wsMu.Unlock()
			localConn.CloseNow()
		}()
		for {
			typ, data, err := localConn.Read(bridgeCtx)
			if err != nil {
				closeMsg, _ := json.Marshal(protocol.WSClose{Type: protocol.TypeWSClose, RequestID: open.RequestID})
				writeCtx, wcancel := context.WithTimeout(ctx, 10*time.Second)
				relayConn.Write(writeCtx, websocket.MessageText, closeMsg)
				wcancel()
				return
			}
			frame, _ := json.Marshal(protocol.WSFrame{
				Type:      protocol.TypeWSFrame,
				RequestID: open.RequestID,
				Binary:    typ == websocket.MessageBinary,
				Data:      data,
			})
			writeCtx, wcancel := context.WithTimeout(ctx, 10*time.Second)
			err = relayConn.Write(writeCtx, websocket.MessageText, frame)
			wcancel()
			if err != nil {
				return
			}
		}
	}()
}

// deliverWSFrame writes a frame received from the relay into the matching
// local bridge connection.
func (c *Client) deliverWSFrame(f protocol.WSFrame) {
	c.wsMu.Lock()
	bridge := c.wsTable[f.RequestID]
	c.wsMu.Unlock()
	if bridge == nil {
		return
	}
	typ := websocket.MessageText
	if f.Binary {
		typ = websocket.MessageBinary
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	bridge.conn.Write(writeCtx, typ, f.Data)
	cancel()
}

// deliverWSClose tears down the local bridge connection for a stream the
// relay-side caller (or its own device-side pump) closed.
func (c *Client) deliverWSClose(cl protocol.WSClose) {
	c.wsMu.Lock()
	bridge := c.wsTable[cl.RequestID]
	delete(c.wsTable, cl.RequestID)
	c.wsMu.Unlock()
	if bridge == nil {
		return
	}
	bridge.cancel()
	bridge.conn.Close(websocket.StatusNormalClosure, "relay closed stream")
}

// closeAllBridges tears down every locally-bridged WebSocket stream when
// the relay link itself drops, so a gateway-side client doesn't leak a
// dangling loopback connection.
func (c *Client) closeAllBridges() {
	c.wsMu.Lock()
	bridges := make([]*localWSBridge, 0, len(c.wsTable))
	for id, b := range c.wsTable {
		bridges = append(bridges, b)
		delete(c.wsTable, id)
	}
	c.wsMu.Unlock()
	for _, b := range bridges {
		b.cancel()
		b.conn.Close(websocket.StatusNormalClosure, "tunnel link lost")
	}
}

// proxyLocally replays a tunneled request against the gateway's own
// loopback HTTP listener and reads the full response body.
func (c *Client) proxyLocally(ctx context.Context, f protocol.Frame) (*http.Response, []byte, error) {
	url := "http://" + c.cfg.LocalAddr + "/" + strings.TrimPrefix(f.Path, "/")
	req, err := http.NewRequestWithContext(ctx, f.Method, url, bytes.NewReader(f.Body))
	if err != nil {
		return nil, nil, err
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
