// Package csengine ties the session primitives together
// into a participant-side engine:
// one kernel goroutine per session owns that session's local state,
// and the engine routes proposals, counterparty candidates,
// signature exchanges and acknowledgments to the owning kernel.
package csengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/channel-engine/chorus/ccrypto"
	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/channel-engine/chorus/cs/cssettle"
	"github.com/channel-engine/chorus/cs/csstore"
	"github.com/channel-engine/chorus/internal/cchan"
)

// EngineConfig is the set of collaborators an [Engine] needs.
// All fields other than Log and Clock are required.
type EngineConfig struct {
	Log *slog.Logger

	// Signer produces this participant's signatures.
	// The signer's address must be a participant
	// of every session the engine handles.
	Signer ccrypto.Signer

	// Backend is the settlement authority
	// accepting or rejecting quorum-signed transitions.
	Backend cssettle.Backend

	SessionStore  csstore.SessionStore
	TransitionLog csstore.TransitionLogStore

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Engine is the participant-side entry point of the session protocol.
// It is safe for concurrent use;
// operations on the same session serialize through that session's kernel.
type Engine struct {
	log *slog.Logger

	cfg EngineConfig

	// Root context for kernel goroutines,
	// so sessions outlive the request contexts that create them.
	ctx context.Context

	mu      sync.RWMutex
	kernels map[string]*kernel
}

// New returns a running engine.
// Kernel goroutines started for sessions stop when ctx is canceled;
// call [Engine.Wait] after cancellation to block until they finish.
func New(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Signer == nil {
		return nil, errors.New("EngineConfig.Signer is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("EngineConfig.Backend is required")
	}
	if cfg.SessionStore == nil {
		return nil, errors.New("EngineConfig.SessionStore is required")
	}
	if cfg.TransitionLog == nil {
		return nil, errors.New("EngineConfig.TransitionLog is required")
	}

	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Engine{
		log: cfg.Log,

		cfg: cfg,

		ctx: ctx,

		kernels: make(map[string]*kernel),
	}, nil
}

// CreateSession registers a new session with the settlement backend
// and starts a local kernel for it.
// The returned ID is assigned by the backend
// and shared with the other participants out of band.
func (e *Engine) CreateSession(
	ctx context.Context,
	def cssession.Definition,
	initial csledger.AllocationVector,
) (string, error) {
	if !def.Contains(e.cfg.Signer.Address()) {
		return "", fmt.Errorf(
			"engine signer %x is not a participant of the definition",
			e.cfg.Signer.Address(),
		)
	}

	id, err := e.cfg.Backend.CreateSession(ctx, def, initial)
	if err != nil {
		return "", fmt.Errorf("backend refused session creation: %w", err)
	}

	if err := e.startKernel(ctx, id, def, 0, initial); err != nil {
		return "", err
	}

	return id, nil
}

// JoinSession starts a local kernel for a session
// created by another participant.
// The definition and initial vector must match
// what the creator registered with the backend;
// a mismatch surfaces later as rejected signatures or version conflicts.
func (e *Engine) JoinSession(
	ctx context.Context,
	id string,
	def cssession.Definition,
	initial csledger.AllocationVector,
) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid session definition: %w", err)
	}
	if !def.Contains(e.cfg.Signer.Address()) {
		return fmt.Errorf(
			"engine signer %x is not a participant of session %s",
			e.cfg.Signer.Address(), id,
		)
	}

	return e.startKernel(ctx, id, def, 0, initial)
}

func (e *Engine) startKernel(
	ctx context.Context,
	id string,
	def cssession.Definition,
	version uint64,
	vector csledger.AllocationVector,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.kernels[id]; ok {
		return fmt.Errorf("session %s already registered", id)
	}

	if err := e.cfg.SessionStore.SaveSession(ctx, csstore.SessionRecord{
		ID:      id,
		Def:     def,
		Status:  cssession.StatusActive,
		Version: version,
		Vector:  vector.Clone(),
	}); err != nil {
		return fmt.Errorf("failed to persist new session: %w", err)
	}

	e.kernels[id] = newKernel(e.ctx, kernelConfig{
		Log: e.log.With("sys", "kernel"),

		ID:  id,
		Def: def,

		Signer:  e.cfg.Signer,
		Backend: e.cfg.Backend,
		Store:   e.cfg.SessionStore,
		TxLog:   e.cfg.TransitionLog,
		Clock:   e.cfg.Clock,

		InitialVersion: version,
		InitialVector:  vector,
	})

	e.log.Info("Session registered", "session_id", id, "participants", len(def.Participants))
	return nil
}

func (e *Engine) kernel(id string) (*kernel, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	k, ok := e.kernels[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	return k, nil
}

// Propose initiates a candidate transition on the session,
// self-signed and ready to broadcast.
// Any previously pending candidate on the session is abandoned.
// If the proposer's own weight already satisfies quorum,
// the candidate is submitted to the backend immediately
// and the submission outcome is included in the result.
func (e *Engine) Propose(
	ctx context.Context, id string, tr csledger.Transition,
) (ProposeResult, error) {
	k, err := e.kernel(id)
	if err != nil {
		return ProposeResult{}, err
	}

	req := proposeRequest{
		Transition: tr,
		Resp:       make(chan proposeResponse, 1),
	}
	resp, ok := cchan.ReqResp(
		ctx, e.log,
		k.proposeRequests, req,
		req.Resp,
		"proposing transition",
	)
	if !ok {
		return ProposeResult{}, context.Cause(ctx)
	}

	return resp.Result, resp.Err
}

// Close proposes a cooperative close of the session
// with the given final allocation vector.
// It is a close-kind [Engine.Propose];
// once accepted by the backend the session enters the challenge window,
// or closes immediately when the definition's window is zero.
func (e *Engine) Close(
	ctx context.Context, id string, final csledger.AllocationVector,
) (ProposeResult, error) {
	return e.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindClose,
		Proposed: final,
	})
}

// SignCandidate validates a counterparty's candidate
// against the local session state
// and returns this participant's signature over it.
// The candidate becomes the session's pending candidate on success,
// replacing any previously pending one.
//
// A candidate that fails ledger validation is never signed,
// no matter how many signatures it already carries.
func (e *Engine) SignCandidate(
	ctx context.Context, cand Candidate,
) (cssession.SparseSignature, error) {
	k, err := e.kernel(cand.SessionID)
	if err != nil {
		return cssession.SparseSignature{}, err
	}

	req := signCandidateRequest{
		Candidate: cand,
		Resp:      make(chan signCandidateResponse, 1),
	}
	resp, ok := cchan.ReqResp(
		ctx, e.log,
		k.signCandidateRequests, req,
		req.Resp,
		"signing candidate",
	)
	if !ok {
		return cssession.SparseSignature{}, context.Cause(ctx)
	}

	return resp.Sig, resp.Err
}

// AddSignatures merges counterparty signatures
// into the session's pending candidate.
// When the merge brings the candidate to quorum
// it is submitted to the backend
// and the submission outcome is included in the result.
func (e *Engine) AddSignatures(
	ctx context.Context, id string, version uint64, sigs []cssession.SparseSignature,
) (AddSignaturesResult, error) {
	k, err := e.kernel(id)
	if err != nil {
		return AddSignaturesResult{}, err
	}

	req := addSignaturesRequest{
		Version:    version,
		Signatures: sigs,
		Resp:       make(chan addSignaturesResponse, 1),
	}
	resp, ok := cchan.ReqResp(
		ctx, e.log,
		k.addSignatureRequests, req,
		req.Resp,
		"adding signatures",
	)
	if !ok {
		return AddSignaturesResult{}, context.Cause(ctx)
	}

	return resp.Result, resp.Err
}

// ApplyAck applies a backend-accepted transition
// relayed from another participant, advancing local state.
// Application is idempotent on version:
// duplicates and reordered deliveries are reported, never applied twice.
func (e *Engine) ApplyAck(ctx context.Context, ack Candidate) (AckStatus, error) {
	k, err := e.kernel(ack.SessionID)
	if err != nil {
		return 0, err
	}

	req := applyAckRequest{
		Ack:  ack,
		Resp: make(chan applyAckResponse, 1),
	}
	resp, ok := cchan.ReqResp(
		ctx, e.log,
		k.applyAckRequests, req,
		req.Resp,
		"applying acknowledgment",
	)
	if !ok {
		return 0, context.Cause(ctx)
	}

	return resp.Status, resp.Err
}

// Snapshot returns a copy of the session's current local state.
func (e *Engine) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	k, err := e.kernel(id)
	if err != nil {
		return Snapshot{}, err
	}

	req := snapshotRequest{Resp: make(chan Snapshot, 1)}
	s, ok := cchan.ReqResp(
		ctx, e.log,
		k.snapshotRequests, req,
		req.Resp,
		"requesting snapshot",
	)
	if !ok {
		return Snapshot{}, context.Cause(ctx)
	}

	return s, nil
}

// Sessions returns a snapshot of every session the engine handles,
// in no particular order.
func (e *Engine) Sessions(ctx context.Context) ([]Snapshot, error) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.kernels))
	for id := range e.kernels {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		s, err := e.Snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Wait blocks until every kernel goroutine has finished.
// Only meaningful after the context passed to [New] is canceled.
func (e *Engine) Wait() {
	e.mu.RLock()
	kernels := make([]*kernel, 0, len(e.kernels))
	for _, k := range e.kernels {
		kernels = append(kernels, k)
	}
	e.mu.RUnlock()

	for _, k := range kernels {
		<-k.done
	}
}
