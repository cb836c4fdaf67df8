package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/logger"
)

const (
	gatewayURL       = "wss://gateway.discord.gg/?v=10&encoding=json"
	reconnectBackoff = 5 * time.Second

	// Guilds + guild messages + message content.
	DefaultIntents = 1<<0 | 1<<9 | 1<<15
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

type gatewayPayload struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s"`
	Type string          `json:"t"`
}

// MessageHandler receives every MESSAGE_CREATE dispatch.
type MessageHandler func(msg Message)

// Gateway maintains the Discord websocket connection: identify, heartbeat,
// resume on reconnect, and MESSAGE_CREATE dispatch.
type Gateway struct {
	token   string
	intents int
	url     string
	handler MessageHandler
	logger  *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	resumeURL string
	lastSeq   int64
	haveSeq   bool
}

// NewGateway creates a gateway client. Zero intents selects the default set.
func NewGateway(token string, intents int, handler MessageHandler, log *logger.Logger) *Gateway {
	if intents == 0 {
		intents = DefaultIntents
	}
	return &Gateway{
		token:   token,
		intents: intents,
		url:     gatewayURL,
		handler: handler,
		logger:  log.WithFields(zap.String("component", "discord-gateway")),
	}
}

// Run connects and reconnects until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		if err := g.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warn("gateway connection ended, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

func (g *Gateway) runOnce(ctx context.Context) error {
	g.mu.Lock()
	dialURL := g.url
	if g.resumeURL != "" {
		dialURL = g.resumeURL + "/?v=10&encoding=json"
	}
	g.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer func() { _ = conn.Close() }()

	// First frame must be HELLO with the heartbeat interval.
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}

	if g.canResume() {
		err = g.sendResume()
	} else {
		err = g.sendIdentify()
	}
	if err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go g.heartbeatLoop(hbCtx, time.Duration(helloData.HeartbeatInterval)*time.Millisecond)

	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if payload.Seq != nil {
			g.mu.Lock()
			g.lastSeq = *payload.Seq
			g.haveSeq = true
			g.mu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			g.handleDispatch(payload)
		case opHeartbeat:
			g.sendHeartbeat()
		case opReconnect:
			return fmt.Errorf("server requested reconnect")
		case opInvalidSession:
			g.mu.Lock()
			g.sessionID = ""
			g.resumeURL = ""
			g.haveSeq = false
			g.mu.Unlock()
			return fmt.Errorf("session invalidated")
		case opHeartbeatAck:
			// nothing to do
		}
	}
}

func (g *Gateway) handleDispatch(payload gatewayPayload) {
	switch payload.Type {
	case "READY":
		var ready struct {
			SessionID        string `json:"session_id"`
			ResumeGatewayURL string `json:"resume_gateway_url"`
		}
		if err := json.Unmarshal(payload.Data, &ready); err != nil {
			g.logger.Warn("failed to parse READY", zap.Error(err))
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.resumeURL = ready.ResumeGatewayURL
		g.mu.Unlock()
		g.logger.Info("gateway ready", zap.String("session_id", ready.SessionID))

	case "RESUMED":
		g.logger.Info("gateway session resumed")

	case "MESSAGE_CREATE":
		var msg Message
		if err := json.Unmarshal(payload.Data, &msg); err != nil {
			g.logger.Warn("failed to parse MESSAGE_CREATE", zap.Error(err))
			return
		}
		if g.handler != nil {
			g.handler(msg)
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	// Jittered first beat, as the protocol requires.
	first := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(first):
	}
	g.sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sendHeartbeat()
		}
	}
}

func (g *Gateway) sendHeartbeat() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return
	}
	var seq interface{}
	if g.haveSeq {
		seq = g.lastSeq
	}
	if err := g.conn.WriteJSON(map[string]interface{}{"op": opHeartbeat, "d": seq}); err != nil {
		g.logger.Debug("heartbeat write failed", zap.Error(err))
	}
}

func (g *Gateway) sendIdentify() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn.WriteJSON(map[string]interface{}{
		"op": opIdentify,
		"d": map[string]interface{}{
			"token":   g.token,
			"intents": g.intents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "threadbox",
				"device":  "threadbox",
			},
		},
	})
}

func (g *Gateway) sendResume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn.WriteJSON(map[string]interface{}{
		"op": opResume,
		"d": map[string]interface{}{
			"token":      g.token,
			"session_id": g.sessionID,
			"seq":        g.lastSeq,
		},
	})
}

func (g *Gateway) canResume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID != "" && g.haveSeq
}
