package cswsrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/channel-engine/chorus/ccrypto"
	"github.com/channel-engine/chorus/cs/csengine"
	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/channel-engine/chorus/cs/cssettle"
	"github.com/channel-engine/chorus/cs/cstransport"
)

// ClientConfig configures a relay [Client].
type ClientConfig struct {
	Log *slog.Logger

	// URL of the relay's websocket endpoint, ws:// or wss://.
	URL string

	// Engine handles every inbound envelope.
	Engine *csengine.Engine

	// Signer identifies this participant to the relay.
	// It must be the same signer the engine holds,
	// or counterparties will address signatures to the wrong place.
	Signer ccrypto.Signer
}

// Client connects a participant engine to a relay.
//
// Inbound candidates are validated and signed by the engine,
// inbound signatures are merged into the pending candidate,
// and inbound acks advance the local session state.
// When a merge completes quorum and the backend accepts the submission,
// the client broadcasts the acknowledgment on the engine's behalf.
type Client struct {
	log *slog.Logger

	engine *csengine.Engine
	addr   string

	ws *websocket.Conn

	outbound chan cstransport.Envelope

	wg   sync.WaitGroup
	done chan struct{}
}

// Dial connects to the relay, announces this participant
// and starts the read and write loops.
// The loops stop when ctx is canceled or the connection drops;
// use [Client.Wait] to block until then.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Engine == nil {
		return nil, errors.New("ClientConfig.Engine is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("ClientConfig.Signer is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay at %s: %w", cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	addr := cfg.Signer.Address().Hex()
	if err := ws.WriteJSON(cstransport.Envelope{
		Type: cstransport.MsgHello,
		From: addr,
	}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	c := &Client{
		log: cfg.Log,

		engine: cfg.Engine,
		addr:   addr,

		ws: ws,

		outbound: make(chan cstransport.Envelope, 32),

		done: make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.writeLoop(ctx)

	return c, nil
}

// Propose initiates a transition through the engine
// and broadcasts the outcome:
// the signed candidate when more signatures are needed,
// or the acknowledgment when the proposer's own weight
// already carried the submission.
func (c *Client) Propose(
	ctx context.Context, sessionID string, tr csledger.Transition,
) (csengine.ProposeResult, error) {
	res, err := c.engine.Propose(ctx, sessionID, tr)
	if err != nil {
		return res, err
	}

	env := cstransport.Envelope{Type: cstransport.MsgCandidate, Candidate: &res.Candidate}
	if res.Submit != nil {
		if res.Submit.Status != cssettle.SubmitAccepted {
			// Submission happened but was rejected; nothing to relay.
			return res, nil
		}
		env = cstransport.Envelope{Type: cstransport.MsgAck, Ack: &res.Candidate}
	}

	return res, c.send(ctx, env)
}

// Close proposes a cooperative close and broadcasts it,
// mirroring [Client.Propose].
func (c *Client) Close(
	ctx context.Context, sessionID string, final csledger.AllocationVector,
) (csengine.ProposeResult, error) {
	return c.Propose(ctx, sessionID, csledger.Transition{
		Kind:     csledger.KindClose,
		Proposed: final,
	})
}

func (c *Client) send(ctx context.Context, env cstransport.Envelope) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		return errors.New("client closed")
	case c.outbound <- env:
		return nil
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.done)

	for {
		var env cstransport.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if ctx.Err() == nil &&
				websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("Relay connection lost", "err", err)
			}
			return
		}

		if err := env.Validate(); err != nil {
			c.log.Info("Ignoring malformed envelope", "err", err)
			continue
		}

		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env cstransport.Envelope) {
	switch env.Type {
	case cstransport.MsgCandidate:
		c.handleCandidate(ctx, env)
	case cstransport.MsgSignature:
		c.handleSignature(ctx, env)
	case cstransport.MsgAck:
		c.handleAck(ctx, env)
	default:
		c.log.Info("Ignoring unexpected envelope", "type", env.Type)
	}
}

func (c *Client) handleCandidate(ctx context.Context, env cstransport.Envelope) {
	cand := *env.Candidate

	sig, err := c.engine.SignCandidate(ctx, cand)
	if err != nil {
		// Refusing to sign is normal protocol behavior,
		// not a transport failure. The proposer simply
		// never gets this participant's weight.
		c.log.Info("Refused to sign candidate",
			"session_id", cand.SessionID,
			"version", cand.Version,
			"err", err,
		)
		return
	}

	out := cstransport.Envelope{
		Type: cstransport.MsgSignature,
		To:   env.From,
		Signature: &cstransport.SignaturePayload{
			SessionID: cand.SessionID,
			Version:   cand.Version,
			Sig:       sig,
		},
	}
	if err := c.send(ctx, out); err != nil {
		c.log.Info("Failed to return signature", "err", err)
	}
}

func (c *Client) handleSignature(ctx context.Context, env cstransport.Envelope) {
	p := env.Signature

	res, err := c.engine.AddSignatures(ctx, p.SessionID, p.Version, []cssession.SparseSignature{p.Sig})
	if err != nil {
		c.log.Info("Failed to add signature",
			"session_id", p.SessionID, "version", p.Version, "err", err,
		)
		return
	}

	if res.Status == csengine.SigsSubmitted && res.Accepted != nil {
		ack := cstransport.Envelope{Type: cstransport.MsgAck, Ack: res.Accepted}
		if err := c.send(ctx, ack); err != nil {
			c.log.Info("Failed to broadcast acknowledgment", "err", err)
		}
	}
}

func (c *Client) handleAck(ctx context.Context, env cstransport.Envelope) {
	status, err := c.engine.ApplyAck(ctx, *env.Ack)
	if err != nil {
		c.log.Info("Failed to apply acknowledgment", "err", err)
		return
	}

	switch status {
	case csengine.AckOutOfOrder:
		c.log.Warn("Acknowledgment out of order; state refetch required",
			"session_id", env.Ack.SessionID, "version", env.Ack.Version,
		)
	case csengine.AckInvalid:
		c.log.Warn("Discarded invalid acknowledgment",
			"session_id", env.Ack.SessionID, "version", env.Ack.Version,
		)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			_ = c.ws.Close()
			return
		case <-c.done:
			_ = c.ws.Close()
			return
		case env := <-c.outbound:
			if err := c.ws.WriteJSON(env); err != nil {
				c.log.Info("Failed to write envelope", "err", err)
				return
			}
		}
	}
}

// Wait blocks until the read and write loops have stopped.
func (c *Client) Wait() {
	c.wg.Wait()
}
