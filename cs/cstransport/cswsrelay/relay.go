// Package cswsrelay provides a WebSocket relay
// for exchanging transport envelopes between session participants,
// and the participant-side client that drives an engine from them.
//
// The relay is a plain fan-out hub.
// It authenticates connections only to the extent of requiring
// a hello envelope naming the participant address,
// stamps that address on every forwarded envelope,
// and otherwise never inspects payloads.
// Participants must validate everything themselves;
// a relay that duplicates, reorders or drops envelopes
// degrades liveness, never safety.
package cswsrelay

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/channel-engine/chorus/cs/cstransport"
)

// Relay is a WebSocket hub forwarding envelopes between participants.
// It implements http.Handler; mount it on the path clients dial.
type Relay struct {
	log *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*relayConn]struct{}
}

// relayConn is one registered participant connection.
// The outbound channel decouples the hub from slow writers;
// gorilla connections allow only one concurrent writer,
// so all writes go through the conn's write loop.
type relayConn struct {
	addr common.Address
	ws   *websocket.Conn

	outbound chan cstransport.Envelope
	closed   chan struct{}
}

// NewRelay returns a relay ready to serve websocket upgrades.
func NewRelay(log *slog.Logger) *Relay {
	return &Relay{
		log: log,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},

		conns: make(map[*relayConn]struct{}),
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		r.log.Info("Rejected websocket upgrade", "remote", req.RemoteAddr, "err", err)
		return
	}

	conn, err := r.handshake(ws)
	if err != nil {
		r.log.Info("Connection failed handshake", "remote", req.RemoteAddr, "err", err)
		_ = ws.Close()
		return
	}

	r.register(conn)
	r.log.Info("Participant connected", "addr", conn.addr, "remote", req.RemoteAddr)

	go conn.writeLoop(r.log)
	r.readLoop(conn)

	r.unregister(conn)
	r.log.Info("Participant disconnected", "addr", conn.addr)
}

// handshake requires the first envelope to be a hello
// naming the participant's address.
func (r *Relay) handshake(ws *websocket.Conn) (*relayConn, error) {
	var hello cstransport.Envelope
	if err := ws.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Type != cstransport.MsgHello {
		return nil, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if err := hello.Validate(); err != nil {
		return nil, err
	}

	return &relayConn{
		addr: common.HexToAddress(hello.From),
		ws:   ws,

		outbound: make(chan cstransport.Envelope, 32),
		closed:   make(chan struct{}),
	}, nil
}

func (r *Relay) register(c *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

func (r *Relay) unregister(c *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	close(c.closed)
	_ = c.ws.Close()
}

func (r *Relay) readLoop(c *relayConn) {
	for {
		var env cstransport.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Info("Read failed", "addr", c.addr, "err", err)
			}
			return
		}

		// The sender identity comes from the handshake,
		// never from the envelope body.
		env.From = c.addr.Hex()

		if err := env.Validate(); err != nil {
			r.log.Info("Dropping malformed envelope", "addr", c.addr, "err", err)
			continue
		}

		r.forward(c, env)
	}
}

// forward delivers env to its addressee,
// or to every participant other than the sender when unaddressed.
// A participant whose outbound queue is full loses the envelope;
// the protocol recovers through version conflicts and acks.
func (r *Relay) forward(from *relayConn, env cstransport.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.conns {
		if c == from {
			continue
		}
		if env.To != "" && !strings.EqualFold(env.To, c.addr.Hex()) {
			continue
		}

		select {
		case c.outbound <- env:
		default:
			r.log.Warn("Dropping envelope for slow participant",
				"addr", c.addr, "type", env.Type,
			)
		}
	}
}

func (c *relayConn) writeLoop(log *slog.Logger) {
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.outbound:
			if err := c.ws.WriteJSON(env); err != nil {
				log.Info("Write failed", "addr", c.addr, "err", err)
				return
			}
		}
	}
}

// Close disconnects every participant.
func (r *Relay) Close() {
	r.mu.Lock()
	conns := make([]*relayConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.unregister(c)
	}
}
