package csengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/channel-engine/chorus/ccrypto"
	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/channel-engine/chorus/cs/cssettle"
	"github.com/channel-engine/chorus/cs/csstore"
	"github.com/channel-engine/chorus/internal/clog"
)

// AddSignaturesStatus is the kernel's decision
// when incoming signatures are applied to the pending candidate.
type AddSignaturesStatus uint8

const (
	_ AddSignaturesStatus = iota // Zero value invalid.

	SigsAdded     // New signers recorded; quorum not yet reached.
	SigsRedundant // The signatures contained no new signer.
	SigsInvalid   // At least one signature failed verification; valid ones were kept.

	// Quorum was reached and the candidate was submitted.
	SigsSubmitted
	SigsSubmitRejected

	// The signatures target a version that is not the pending candidate's.
	SigsStaleVersion
)

// AddSignaturesResult is the outcome of applying signatures
// to a pending candidate.
type AddSignaturesResult struct {
	Status AddSignaturesStatus

	// Quorum state of the pending candidate after the merge.
	Quorum cssession.QuorumResult

	// Submit is set when the merge triggered a backend submission.
	Submit *cssettle.SubmitResult

	// Accepted is the backend-accepted candidate
	// with its full signature set,
	// ready to relay to the other participants as an acknowledgment.
	// Only set when Submit reports acceptance.
	Accepted *Candidate
}

// ProposeResult is the outcome of initiating a candidate.
type ProposeResult struct {
	// Candidate carries the initiator's signature,
	// ready to broadcast to the other participants.
	Candidate Candidate

	Quorum cssession.QuorumResult

	// Submit is set when the initiator's own weight
	// already reached quorum and the candidate was submitted.
	Submit *cssettle.SubmitResult
}

// AckStatus is the kernel's decision on an acknowledged transition
// relayed from another participant.
// Acknowledgment application is idempotent on version,
// tolerating duplicate and reordered delivery.
type AckStatus uint8

const (
	_ AckStatus = iota // Zero value invalid.

	AckApplied    // Applied; local state advanced to the acked version.
	AckDuplicate  // Version at or below the local version; no-op.
	AckOutOfOrder // Version more than one ahead; caller should refetch.
	AckInvalid    // Failed quorum, signature or ledger validation.
)

// Snapshot is a read-only view of one session's local state.
type Snapshot struct {
	ID     string
	Def    cssession.Definition
	Status cssession.Status

	Version uint64
	Vector  csledger.AllocationVector

	// PendingVersion is the version of the outstanding candidate,
	// zero when none is outstanding.
	PendingVersion uint64

	// CloseDeadline is the end of the challenge window
	// while the session is Closing.
	CloseDeadline time.Time
}

type proposeRequest struct {
	Transition csledger.Transition
	Resp       chan proposeResponse
}

type proposeResponse struct {
	Result ProposeResult
	Err    error
}

type signCandidateRequest struct {
	Candidate Candidate
	Resp      chan signCandidateResponse
}

type signCandidateResponse struct {
	Sig cssession.SparseSignature
	Err error
}

type addSignaturesRequest struct {
	Version    uint64
	Signatures []cssession.SparseSignature
	Resp       chan addSignaturesResponse
}

type addSignaturesResponse struct {
	Result AddSignaturesResult
	Err    error
}

type applyAckRequest struct {
	Ack  Candidate
	Resp chan applyAckResponse
}

type applyAckResponse struct {
	Status AckStatus
	Err    error
}

type snapshotRequest struct {
	Resp chan Snapshot
}

// pendingCandidate is the kernel's outstanding candidate,
// at most one at a time.
type pendingCandidate struct {
	version    uint64
	transition csledger.Transition
	proof      cssession.SignatureProof
}

// kernel owns all mutable state of one session.
// Requests arrive over channels and are handled one at a time,
// making the kernel the local serialization point
// for the session's read-modify-write cycle.
type kernel struct {
	log *slog.Logger

	id  string
	def cssession.Definition

	signer  ccrypto.Signer
	backend cssettle.Backend
	store   csstore.SessionStore
	txLog   csstore.TransitionLogStore
	clock   func() time.Time

	status  cssession.Status
	version uint64
	vector  csledger.AllocationVector

	pending *pendingCandidate

	// windowCh fires when the current challenge window elapses.
	// Replaced wholesale when a dispute restarts the window,
	// so a stale timer firing on an abandoned channel is never seen.
	windowCh      <-chan time.Time
	closeDeadline time.Time

	proposeRequests       chan proposeRequest
	signCandidateRequests chan signCandidateRequest
	addSignatureRequests  chan addSignaturesRequest
	applyAckRequests      chan applyAckRequest
	snapshotRequests      chan snapshotRequest

	done chan struct{}
}

type kernelConfig struct {
	Log *slog.Logger

	ID  string
	Def cssession.Definition

	Signer  ccrypto.Signer
	Backend cssettle.Backend
	Store   csstore.SessionStore
	TxLog   csstore.TransitionLogStore
	Clock   func() time.Time

	InitialVersion uint64
	InitialVector  csledger.AllocationVector
}

func newKernel(ctx context.Context, cfg kernelConfig) *kernel {
	k := &kernel{
		log: cfg.Log.With("session_id", cfg.ID),

		id:  cfg.ID,
		def: cfg.Def,

		signer:  cfg.Signer,
		backend: cfg.Backend,
		store:   cfg.Store,
		txLog:   cfg.TxLog,
		clock:   cfg.Clock,

		status:  cssession.StatusActive,
		version: cfg.InitialVersion,
		vector:  cfg.InitialVector.Clone(),

		proposeRequests:       make(chan proposeRequest),
		signCandidateRequests: make(chan signCandidateRequest),
		addSignatureRequests:  make(chan addSignaturesRequest),
		applyAckRequests:      make(chan applyAckRequest),
		snapshotRequests:      make(chan snapshotRequest),

		done: make(chan struct{}),
	}

	go k.mainLoop(ctx)
	return k
}

func (k *kernel) mainLoop(ctx context.Context) {
	defer close(k.done)

	for {
		select {
		case <-ctx.Done():
			k.log.Info("Session kernel stopping", "cause", context.Cause(ctx))
			return

		case req := <-k.proposeRequests:
			res, err := k.handlePropose(ctx, req.Transition)
			req.Resp <- proposeResponse{Result: res, Err: err}

		case req := <-k.signCandidateRequests:
			sig, err := k.handleSignCandidate(ctx, req.Candidate)
			req.Resp <- signCandidateResponse{Sig: sig, Err: err}

		case req := <-k.addSignatureRequests:
			res, err := k.handleAddSignatures(ctx, req.Version, req.Signatures)
			req.Resp <- addSignaturesResponse{Result: res, Err: err}

		case req := <-k.applyAckRequests:
			status, err := k.handleApplyAck(ctx, req.Ack)
			req.Resp <- applyAckResponse{Status: status, Err: err}

		case req := <-k.snapshotRequests:
			req.Resp <- k.snapshot()

		case <-k.windowCh:
			k.finalizeClose(ctx)
		}
	}
}

func (k *kernel) snapshot() Snapshot {
	s := Snapshot{
		ID:     k.id,
		Def:    k.def,
		Status: k.status,

		Version: k.version,
		Vector:  k.vector.Clone(),

		CloseDeadline: k.closeDeadline,
	}
	if k.pending != nil {
		s.PendingVersion = k.pending.version
	}
	return s
}

// handlePropose builds, validates and self-signs a new candidate,
// replacing any previously pending one.
// Abandoning an earlier pending candidate is a purely local decision;
// it has no effect on other participants
// until a new version supersedes it.
func (k *kernel) handlePropose(ctx context.Context, tr csledger.Transition) (ProposeResult, error) {
	if err := k.checkTransitionAllowed(tr.Kind); err != nil {
		return ProposeResult{}, err
	}

	// Never propose a candidate that fails local ledger validation.
	if _, err := csledger.Propose(k.def, k.vector, tr); err != nil {
		return ProposeResult{}, fmt.Errorf("candidate failed ledger validation: %w", err)
	}

	version := k.version + 1
	target := tr.Target(k.id, version)

	sig, err := k.signer.Sign(ctx, target.SignDigest())
	if err != nil {
		return ProposeResult{}, fmt.Errorf("failed to sign candidate: %w", err)
	}

	proof := cssession.NewSignatureProof(target.SignDigest(), k.def)
	if err := proof.AddSignature(sig); err != nil {
		return ProposeResult{}, fmt.Errorf("own signature rejected: %w", err)
	}

	k.pending = &pendingCandidate{
		version:    version,
		transition: tr,
		proof:      proof,
	}

	res := ProposeResult{
		Candidate: k.pendingAsCandidate(),
		Quorum:    proof.Quorum(),
	}

	k.log.Info("Candidate proposed",
		"version", version,
		"kind", tr.Kind.String(),
		"vector_digest", clog.Hex(target.VectorDigest[:]),
	)

	if res.Quorum.Approved {
		submit, err := k.submitPending(ctx)
		if err != nil {
			return res, err
		}
		res.Submit = &submit
	}

	return res, nil
}

// handleSignCandidate is the participant-side defense
// against a malicious proposer:
// the candidate is validated against the local ledger state
// before this participant's signature is produced,
// regardless of how many signatures the candidate already carries.
func (k *kernel) handleSignCandidate(ctx context.Context, cand Candidate) (cssession.SparseSignature, error) {
	if err := k.checkTransitionAllowed(cand.Kind); err != nil {
		return cssession.SparseSignature{}, err
	}

	if cand.Version != k.version+1 {
		return cssession.SparseSignature{}, fmt.Errorf(
			"candidate version %d, local version %d: %w",
			cand.Version, k.version, ErrVersionConflict,
		)
	}

	tr := cand.Transition()
	if _, err := csledger.Propose(k.def, k.vector, tr); err != nil {
		return cssession.SparseSignature{}, fmt.Errorf("refusing to sign: %w", err)
	}

	target := cand.Target()
	proof := cssession.NewSignatureProof(target.SignDigest(), k.def)

	// The carried signatures are untrusted; verify what we adopt.
	proof.MergeSparse(cand.Signatures)

	sig, err := k.signer.Sign(ctx, target.SignDigest())
	if err != nil {
		return cssession.SparseSignature{}, fmt.Errorf("failed to sign candidate: %w", err)
	}
	if err := proof.AddSignature(sig); err != nil {
		return cssession.SparseSignature{}, fmt.Errorf("own signature rejected: %w", err)
	}

	// Adopt the candidate as this session's pending one,
	// so later signatures and acknowledgments have a home.
	k.pending = &pendingCandidate{
		version:    cand.Version,
		transition: tr,
		proof:      proof,
	}

	idx, ok := k.def.Index(k.signer.Address())
	if !ok {
		return cssession.SparseSignature{}, fmt.Errorf(
			"signer %x is not a participant of session %s", k.signer.Address(), k.id,
		)
	}

	keyID := make([]byte, 2)
	binary.BigEndian.PutUint16(keyID, uint16(idx))
	return cssession.SparseSignature{KeyID: keyID, Sig: sig}, nil
}

func (k *kernel) handleAddSignatures(
	ctx context.Context,
	version uint64,
	sigs []cssession.SparseSignature,
) (AddSignaturesResult, error) {
	if k.status == cssession.StatusClosed {
		return AddSignaturesResult{}, ErrSessionClosed
	}
	if k.pending == nil {
		return AddSignaturesResult{}, ErrNoPendingCandidate
	}
	if version != k.pending.version {
		return AddSignaturesResult{Status: SigsStaleVersion}, nil
	}

	merge := k.pending.proof.MergeSparse(sigs)
	q := k.pending.proof.Quorum()

	res := AddSignaturesResult{Quorum: q}

	if q.Approved {
		// Capture the candidate with its merged signatures
		// before submission clears the pending slot.
		cand := k.pendingAsCandidate()

		submit, err := k.submitPending(ctx)
		if err != nil {
			return res, err
		}
		res.Submit = &submit
		if submit.Status == cssettle.SubmitAccepted {
			res.Status = SigsSubmitted
			res.Accepted = &cand
		} else {
			res.Status = SigsSubmitRejected
		}
		return res, nil
	}

	switch {
	case !merge.AllValidSignatures:
		res.Status = SigsInvalid
	case !merge.IncreasedSignatures:
		res.Status = SigsRedundant
	default:
		res.Status = SigsAdded
	}
	return res, nil
}

// handleApplyAck applies a backend-accepted transition
// relayed from another participant.
// The ack is untrusted: quorum, signatures and ledger rules
// are all re-validated before local state advances.
func (k *kernel) handleApplyAck(ctx context.Context, ack Candidate) (AckStatus, error) {
	if k.status == cssession.StatusClosed {
		return AckDuplicate, nil
	}

	if ack.Version <= k.version {
		return AckDuplicate, nil
	}
	if ack.Version != k.version+1 {
		return AckOutOfOrder, nil
	}

	target := ack.Target()
	proof := cssession.NewSignatureProof(target.SignDigest(), k.def)
	if merge := proof.MergeSparse(ack.Signatures); !merge.AllValidSignatures {
		return AckInvalid, nil
	}
	if !proof.Quorum().Approved {
		return AckInvalid, nil
	}

	next, err := csledger.Propose(k.def, k.vector, ack.Transition())
	if err != nil {
		return AckInvalid, nil
	}

	k.advance(ctx, ack.Version, ack.Kind, next, proof.AsSparse())
	return AckApplied, nil
}

// checkTransitionAllowed gates candidate initiation and signing
// on the session's lifecycle state.
func (k *kernel) checkTransitionAllowed(kind csledger.TransitionKind) error {
	switch k.status {
	case cssession.StatusClosed:
		return ErrSessionClosed
	case cssession.StatusClosing:
		if kind != csledger.KindClose {
			return fmt.Errorf(
				"only close counter-proposals are allowed during the challenge window: %w",
				ErrSessionClosed,
			)
		}
	}
	return nil
}

func (k *kernel) pendingAsCandidate() Candidate {
	tr := k.pending.transition
	return Candidate{
		SessionID: k.id,
		Version:   k.pending.version,
		Kind:      tr.Kind,
		Proposed:  tr.Proposed.Clone(),
		Actor:     tr.Actor,
		Asset:     tr.Asset,
		Amount:    tr.Amount,

		Signatures: k.pending.proof.AsSparse(),
	}
}

// submitPending submits the quorum-signed pending candidate
// to the settlement backend and reconciles local state
// with the backend's decision.
// Local state only advances on acceptance;
// every rejection leaves the prior version and vector in place,
// except that a version conflict adopts the authoritative state
// the backend returned.
func (k *kernel) submitPending(ctx context.Context) (cssettle.SubmitResult, error) {
	p := k.pending

	req := cssettle.SubmitRequest{
		SessionID:  k.id,
		Version:    p.version,
		Transition: p.transition,
		Signatures: p.proof.AsSparse(),
	}

	var res cssettle.SubmitResult
	var err error
	if p.transition.Kind == csledger.KindClose && k.status == cssession.StatusActive {
		res, err = k.backend.CloseSession(ctx, req)
	} else {
		res, err = k.backend.SubmitTransition(ctx, req)
	}
	if err != nil {
		// Transport-level failure: the candidate stays pending.
		// The caller must confirm the current version before retrying;
		// the submission may have been accepted without us seeing the ack.
		return cssettle.SubmitResult{}, fmt.Errorf("transition submission failed: %w", err)
	}

	switch res.Status {
	case cssettle.SubmitAccepted:
		k.advance(ctx, p.version, p.transition.Kind, res.CurrentVector.Clone(), p.proof.AsSparse())

	case cssettle.SubmitVersionConflict:
		// Another participant won this version.
		// Adopt the authoritative state; the caller rebuilds from it.
		k.log.Info("Candidate lost version race",
			"candidate_version", p.version,
			"authoritative_version", res.CurrentVersion,
		)
		k.version = res.CurrentVersion
		k.vector = res.CurrentVector.Clone()
		k.pending = nil
		k.saveState(ctx)

	case cssettle.SubmitSessionClosed:
		k.pending = nil
		k.status = cssession.StatusClosed
		k.saveState(ctx)

	default:
		k.log.Info("Candidate rejected by backend",
			"version", p.version,
			"status", res.Status.String(),
			"reason", res.Reason,
		)
		k.pending = nil
	}

	return res, nil
}

// advance moves the session to an accepted version and vector,
// persists the snapshot and transition log entry,
// and runs close bookkeeping when the accepted kind is close.
func (k *kernel) advance(
	ctx context.Context,
	version uint64,
	kind csledger.TransitionKind,
	vector csledger.AllocationVector,
	sigs []cssession.SparseSignature,
) {
	k.version = version
	k.vector = vector
	k.pending = nil

	if kind == csledger.KindClose {
		k.startCloseWindow()
	}

	k.saveState(ctx)

	if err := k.txLog.SaveTransition(ctx, k.id, csstore.AcceptedTransition{
		Version:    version,
		Kind:       kind,
		Vector:     k.vector.Clone(),
		Signatures: sigs,
	}); err != nil {
		k.log.Warn("Failed to append transition log", "version", version, "err", err)
	}

	k.log.Info("Transition accepted",
		"version", version,
		"kind", kind.String(),
		"status", k.status.String(),
	)
}

func (k *kernel) startCloseWindow() {
	if k.def.ChallengeWindow <= 0 {
		k.status = cssession.StatusClosed
		k.closeDeadline = time.Time{}
		k.windowCh = nil
		return
	}

	k.status = cssession.StatusClosing
	k.closeDeadline = k.clock().Add(k.def.ChallengeWindow)
	k.windowCh = time.After(k.def.ChallengeWindow)
}

func (k *kernel) finalizeClose(ctx context.Context) {
	if k.status != cssession.StatusClosing {
		return
	}

	k.status = cssession.StatusClosed
	k.windowCh = nil
	k.pending = nil
	k.saveState(ctx)

	k.log.Info("Session closed after challenge window", "final_version", k.version)
}

func (k *kernel) saveState(ctx context.Context) {
	if err := k.store.SaveSession(ctx, csstore.SessionRecord{
		ID:      k.id,
		Def:     k.def,
		Status:  k.status,
		Version: k.version,
		Vector:  k.vector.Clone(),
	}); err != nil {
		k.log.Warn("Failed to persist session state", "version", k.version, "err", err)
	}
}
