package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultGatewayHost = "wss://gateway.discord.gg"

var (
	// the gateway closed the connection in a way that a reconnect can not fix (bad token, bad intents, ...)
	ErrAuthenticationFailed = errors.New("gateway authentication failed")
	ErrFatalClose           = errors.New("gateway closed connection permanently")

	errReconnect = errors.New("gateway requested reconnect")
	errZombie    = errors.New("no heartbeat ack received")
)

// Takes a "host" string and returns the full gateway websocket URL, with API version and encoding query parameters. Defaults to wss://, except for localhost; converts http/https to ws/wss.
func GatewayURL(host string) (string, error) {
	if host == "" {
		host = DefaultGatewayHost
	}
	switch {
	case strings.HasPrefix(host, "wss://"), strings.HasPrefix(host, "ws://"):
	case strings.HasPrefix(host, "https://"):
		host = "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = "ws://" + strings.TrimPrefix(host, "http://")
	case strings.Contains(host, "://"):
		return "", fmt.Errorf("unsupported gateway URL scheme: %s", host)
	case strings.HasPrefix(host, "127.0.0.") || strings.HasPrefix(host, "[::1]") || strings.SplitN(host, ":", 2)[0] == "localhost":
		host = "ws://" + host
	default:
		host = "wss://" + host
	}

	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("v", "10")
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Gateway websocket session. Handles the hello/identify handshake, heartbeats, resume and reconnect.
//
// Dispatch callbacks are invoked synchronously from the single read loop, so events reach the handler one at a time in the order the gateway delivered them.
type Gateway struct {
	URL       string
	Token     string
	Intents   int
	UserAgent string
	Logger    *slog.Logger
	Dialer    *websocket.Dialer

	OnReady         func(ctx context.Context, ready *Ready)
	OnMessageCreate func(ctx context.Context, msg *Message)

	// cap on reconnect backoff, in seconds
	MaxBackoff int

	// protects writes on the current connection
	wlk sync.Mutex

	lk        sync.Mutex
	seq       *int64
	sessionID string
	resumeURL string
}

func NewGateway(gatewayURL, token string, intents int, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		URL:        gatewayURL,
		Token:      token,
		Intents:    intents,
		UserAgent:  "countkeeper",
		Logger:     logger.With("system", "discord-gateway"),
		Dialer:     websocket.DefaultDialer,
		MaxBackoff: 60,
	}
}

func backoff(retries int, max int) time.Duration {
	dur := 1 << retries
	if dur > max || dur <= 0 {
		dur = max
	}

	jitter := time.Millisecond * time.Duration(rand.Intn(1000))
	return time.Second*time.Duration(dur) + jitter
}

// Connects and processes events until the context is cancelled or a fatal close is received. Transient failures are logged and followed by a reconnect with exponential backoff.
func (g *Gateway) Run(ctx context.Context) error {
	retries := 0
	for {
		established, err := g.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrFatalClose) {
			return err
		}
		if established {
			retries = 0
		}
		wait := backoff(retries, g.MaxBackoff)
		g.Logger.Warn("gateway connection ended, reconnecting", "err", err, "retries", retries, "wait", wait)
		retries++

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		gatewayReconnects.Inc()
	}
}

func (g *Gateway) session() (string, string, *int64) {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.sessionID, g.resumeURL, g.seq
}

func (g *Gateway) clearSession() {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.sessionID = ""
	g.resumeURL = ""
	g.seq = nil
}

func (g *Gateway) writeJSON(con *websocket.Conn, v any) error {
	g.wlk.Lock()
	defer g.wlk.Unlock()
	if err := con.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return con.WriteJSON(v)
}

func (g *Gateway) sendPayload(con *websocket.Conn, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return g.writeJSON(con, Payload{Op: op, D: raw})
}

func (g *Gateway) sendHeartbeat(con *websocket.Conn) error {
	_, _, seq := g.session()
	// a null seq is sent before the first dispatch
	return g.sendPayload(con, OpHeartbeat, seq)
}

// Runs a single connection to completion. The boolean return indicates whether the session reached READY or RESUMED.
func (g *Gateway) runConnection(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionID, resumeURL, seq := g.session()
	target := g.URL
	if sessionID != "" && resumeURL != "" {
		u, err := GatewayURL(resumeURL)
		if err == nil {
			target = u
		}
	}

	g.Logger.Info("connecting to gateway", "url", target, "resume", sessionID != "")
	con, _, err := g.Dialer.DialContext(ctx, target, http.Header{
		"User-Agent": []string{g.UserAgent},
	})
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %w", err)
	}

	go func() {
		<-ctx.Done()
		con.Close()
	}()

	var hello Payload
	if err := con.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("reading hello: %w", err)
	}
	if hello.Op != OpHello {
		return false, fmt.Errorf("expected hello (op %d), got op %d", OpHello, hello.Op)
	}
	var hd Hello
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return false, fmt.Errorf("decoding hello: %w", err)
	}
	if hd.HeartbeatInterval <= 0 {
		return false, fmt.Errorf("invalid heartbeat interval: %d", hd.HeartbeatInterval)
	}

	var acked atomic.Bool
	acked.Store(true)
	hbErr := make(chan error, 1)
	go g.heartbeatLoop(ctx, con, time.Duration(hd.HeartbeatInterval)*time.Millisecond, &acked, hbErr)

	if sessionID != "" && seq != nil {
		err = g.sendPayload(con, OpResume, Resume{Token: g.Token, SessionID: sessionID, Seq: *seq})
	} else {
		err = g.sendPayload(con, OpIdentify, Identify{
			Token:   g.Token,
			Intents: g.Intents,
			Properties: IdentifyProperties{
				OS:      "linux",
				Browser: "countkeeper",
				Device:  "countkeeper",
			},
		})
	}
	if err != nil {
		return false, fmt.Errorf("sending identify: %w", err)
	}

	established := false
	for {
		var p Payload
		if err := con.ReadJSON(&p); err != nil {
			select {
			case hbe := <-hbErr:
				return established, hbe
			default:
			}
			return established, g.classifyReadError(err)
		}

		gatewayEvents.WithLabelValues(strconv.Itoa(p.Op), p.T).Inc()

		switch p.Op {
		case OpDispatch:
			if p.S != nil {
				s := *p.S
				g.lk.Lock()
				g.seq = &s
				g.lk.Unlock()
				gatewaySeq.Set(float64(s))
			}
			if g.handleDispatch(ctx, &p) {
				established = true
			}
		case OpHeartbeat:
			if err := g.sendHeartbeat(con); err != nil {
				return established, fmt.Errorf("sending requested heartbeat: %w", err)
			}
		case OpHeartbeatAck:
			acked.Store(true)
		case OpReconnect:
			g.Logger.Info("gateway requested reconnect")
			return established, errReconnect
		case OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			g.Logger.Warn("gateway reported invalid session", "resumable", resumable)
			if !resumable {
				g.clearSession()
			}
			return established, errReconnect
		default:
			g.Logger.Debug("ignoring gateway frame", "op", p.Op)
		}
	}
}

// Returns true when the dispatch established (or re-established) the session.
func (g *Gateway) handleDispatch(ctx context.Context, p *Payload) bool {
	switch p.T {
	case EventReady:
		var ready Ready
		if err := json.Unmarshal(p.D, &ready); err != nil {
			g.Logger.Error("failed to decode READY", "err", err)
			return false
		}
		g.lk.Lock()
		g.sessionID = ready.SessionID
		g.resumeURL = ready.ResumeGatewayURL
		g.lk.Unlock()
		g.Logger.Info("gateway session ready", "user", ready.User.Username, "id", ready.User.ID)
		if g.OnReady != nil {
			g.OnReady(ctx, &ready)
		}
		return true
	case EventResumed:
		g.Logger.Info("gateway session resumed")
		return true
	case EventMessageCreate:
		var msg Message
		if err := json.Unmarshal(p.D, &msg); err != nil {
			g.Logger.Error("failed to decode MESSAGE_CREATE", "err", err)
			return false
		}
		if g.OnMessageCreate != nil {
			g.OnMessageCreate(ctx, &msg)
		}
	}
	return false
}

func (g *Gateway) classifyReadError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return fmt.Errorf("reading from gateway: %w", err)
	}
	switch ce.Code {
	case CloseAuthenticationFailed:
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, ce.Text)
	case CloseInvalidShard, CloseShardingRequired, CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return fmt.Errorf("%w: code=%d %s", ErrFatalClose, ce.Code, ce.Text)
	case CloseInvalidSeq, CloseSessionTimeout:
		g.clearSession()
	}
	return fmt.Errorf("gateway closed connection: %w", err)
}

func (g *Gateway) heartbeatLoop(ctx context.Context, con *websocket.Conn, interval time.Duration, acked *atomic.Bool, errc chan<- error) {
	// first beat is jittered, per the gateway docs
	first := time.Duration(rand.Int63n(int64(interval)))
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !acked.Swap(false) {
				g.Logger.Warn("gateway heartbeat not acknowledged, dropping connection")
				errc <- errZombie
				con.Close()
				return
			}
			if err := g.sendHeartbeat(con); err != nil {
				g.Logger.Warn("failed to send heartbeat", "err", err)
				return
			}
			timer.Reset(interval)
		}
	}
}
