// Package csmemsettle provides an in-process settlement backend.
//
// It applies the full authoritative validation a remote settlement
// service would: version sequencing, signature verification,
// quorum evaluation and ledger rules are all re-checked here,
// independently of whatever the submitting participant computed.
package csmemsettle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"

	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/channel-engine/chorus/cs/cssettle"
)

// Config configures a [Backend].
type Config struct {
	Log *slog.Logger

	// Clock is used for challenge window deadlines.
	// Nil means time.Now.
	Clock func() time.Time
}

// Backend is an in-memory [cssettle.Backend].
//
// Each session has its own lock, making it the serialization point
// the protocol requires: of two racing submissions at the same version,
// exactly one is accepted.
type Backend struct {
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	seq      uint64
}

type session struct {
	mu sync.Mutex

	def     cssession.Definition
	status  cssession.Status
	version uint64
	vector  csledger.AllocationVector

	// Deadline of the running challenge window, while status is Closing.
	closeDeadline time.Time
}

func New(cfg Config) *Backend {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Backend{
		log:      log,
		clock:    clock,
		sessions: make(map[string]*session),
	}
}

func (b *Backend) CreateSession(
	_ context.Context,
	def cssession.Definition,
	initial csledger.AllocationVector,
) (string, error) {
	if err := def.Validate(); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := csledger.ValidateVector(def, initial); err != nil {
		return "", fmt.Errorf("create session: initial vector: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := fmt.Sprintf("%s-%04x", petname.Generate(2, "-"), b.seq)

	b.sessions[id] = &session{
		def:    def,
		status: cssession.StatusActive,
		vector: initial.Clone(),
	}

	b.log.Info("Session created", "session_id", id, "participants", len(def.Participants))
	return id, nil
}

func (b *Backend) SubmitTransition(ctx context.Context, req cssettle.SubmitRequest) (cssettle.SubmitResult, error) {
	s, err := b.lookup(req.SessionID)
	if err != nil {
		return cssettle.SubmitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b.finalizeIfElapsed(req.SessionID, s)

	switch s.status {
	case cssession.StatusClosed:
		return s.reject(cssettle.SubmitSessionClosed, "session is closed"), nil

	case cssession.StatusClosing:
		// Only a close-kind counter-proposal is meaningful
		// during the challenge window.
		if req.Transition.Kind != csledger.KindClose {
			return s.reject(cssettle.SubmitLedgerRejected,
				fmt.Sprintf("%s transition not accepted during challenge window", req.Transition.Kind)), nil
		}

	case cssession.StatusActive:
		if req.Transition.Kind == csledger.KindClose {
			return s.reject(cssettle.SubmitLedgerRejected,
				"close transitions must be submitted via CloseSession"), nil
		}
	}

	res := b.decide(s, req)
	if res.Status != cssettle.SubmitAccepted {
		return res, nil
	}

	if s.status == cssession.StatusClosing {
		// Accepted dispute: the final vector is replaced
		// and the window restarts.
		b.startWindow(req.SessionID, s)
	}

	b.log.Info("Transition accepted",
		"session_id", req.SessionID,
		"version", s.version,
		"kind", req.Transition.Kind.String(),
	)
	return res, nil
}

func (b *Backend) CloseSession(ctx context.Context, req cssettle.SubmitRequest) (cssettle.SubmitResult, error) {
	s, err := b.lookup(req.SessionID)
	if err != nil {
		return cssettle.SubmitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b.finalizeIfElapsed(req.SessionID, s)

	if s.status == cssession.StatusClosed {
		return s.reject(cssettle.SubmitSessionClosed, "session is closed"), nil
	}
	if req.Transition.Kind != csledger.KindClose {
		return s.reject(cssettle.SubmitLedgerRejected,
			fmt.Sprintf("CloseSession requires a close transition, got %s", req.Transition.Kind)), nil
	}

	res := b.decide(s, req)
	if res.Status != cssettle.SubmitAccepted {
		return res, nil
	}

	b.startWindow(req.SessionID, s)
	return res, nil
}

// Snapshot returns the authoritative state of a session.
// A session whose challenge window has elapsed
// is finalized before the snapshot is taken.
func (b *Backend) Snapshot(_ context.Context, sessionID string) (
	status cssession.Status,
	version uint64,
	vector csledger.AllocationVector,
	err error,
) {
	s, err := b.lookup(sessionID)
	if err != nil {
		return 0, 0, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b.finalizeIfElapsed(sessionID, s)

	return s.status, s.version, s.vector.Clone(), nil
}

func (b *Backend) lookup(sessionID string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	return s, nil
}

// decide applies the full validation pipeline to a locked session.
// It mutates the session only on acceptance.
func (b *Backend) decide(s *session, req cssettle.SubmitRequest) cssettle.SubmitResult {
	if req.Version != s.version+1 {
		return s.reject(cssettle.SubmitVersionConflict,
			fmt.Sprintf("candidate version %d, current version %d", req.Version, s.version))
	}

	// Every signature is re-verified against the candidate's digest;
	// the submitter's own verification carries no authority here.
	target := req.Transition.Target(req.SessionID, req.Version)
	proof := cssession.NewSignatureProof(target.SignDigest(), s.def)
	if res := proof.MergeSparse(req.Signatures); !res.AllValidSignatures {
		return s.reject(cssettle.SubmitInvalidSignature, "one or more signatures failed verification")
	}

	if q := proof.Quorum(); !q.Approved {
		return s.reject(cssettle.SubmitQuorumNotReached,
			fmt.Sprintf("achieved weight %d of required %d", q.AchievedWeight, q.RequiredWeight))
	}

	next, err := csledger.Propose(s.def, s.vector, req.Transition)
	if err != nil {
		return s.reject(cssettle.SubmitLedgerRejected, err.Error())
	}

	s.version = req.Version
	s.vector = next

	return cssettle.SubmitResult{
		Status:         cssettle.SubmitAccepted,
		CurrentVersion: s.version,
		CurrentVector:  s.vector.Clone(),
	}
}

func (b *Backend) startWindow(sessionID string, s *session) {
	if s.def.ChallengeWindow <= 0 {
		s.status = cssession.StatusClosed
		b.log.Info("Session closed", "session_id", sessionID, "version", s.version)
		return
	}

	s.status = cssession.StatusClosing
	s.closeDeadline = b.clock().Add(s.def.ChallengeWindow)
	b.log.Info("Challenge window started",
		"session_id", sessionID,
		"version", s.version,
		"deadline", s.closeDeadline,
	)
}

// finalizeIfElapsed moves a Closing session whose window has elapsed
// to the terminal Closed state. Called with s.mu held.
func (b *Backend) finalizeIfElapsed(sessionID string, s *session) {
	if s.status != cssession.StatusClosing {
		return
	}
	if b.clock().Before(s.closeDeadline) {
		return
	}

	s.status = cssession.StatusClosed
	b.log.Info("Session closed after challenge window",
		"session_id", sessionID,
		"version", s.version,
	)
}

func (s *session) reject(status cssettle.SubmitStatus, reason string) cssettle.SubmitResult {
	return cssettle.SubmitResult{
		Status:         status,
		Reason:         reason,
		CurrentVersion: s.version,
		CurrentVector:  s.vector.Clone(),
	}
}
