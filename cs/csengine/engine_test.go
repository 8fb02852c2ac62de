package csengine_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/channel-engine/chorus/cs/csengine"
	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/channel-engine/chorus/cs/cssession/cssessiontest"
	"github.com/channel-engine/chorus/cs/cssettle"
	"github.com/channel-engine/chorus/cs/cssettle/csmemsettle"
	"github.com/channel-engine/chorus/cs/csstore/csmemstore"
)

const testAsset = "usdc"

func testVector(fx *cssessiontest.Fixture, amounts ...int64) csledger.AllocationVector {
	v := make(csledger.AllocationVector, len(amounts))
	for i, a := range amounts {
		v[i] = csledger.Allocation{
			Participant: fx.Addr(i),
			Asset:       testAsset,
			Amount:      big.NewInt(a),
		}
	}
	return v
}

func newTestEngine(
	t *testing.T,
	ctx context.Context,
	fx *cssessiontest.Fixture,
	signerIdx int,
	backend cssettle.Backend,
) *csengine.Engine {
	t.Helper()

	e, err := csengine.New(ctx, csengine.EngineConfig{
		Log:           slogt.New(t),
		Signer:        fx.Signers[signerIdx],
		Backend:       backend,
		SessionStore:  csmemstore.NewSessionStore(),
		TransitionLog: csmemstore.NewTransitionLogStore(),
	})
	require.NoError(t, err)
	return e
}

func TestEngine_proposeSignSubmitAck(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	alice := newTestEngine(t, ctx, fx, 0, backend)
	bob := newTestEngine(t, ctx, fx, 1, backend)

	initial := testVector(fx, 10, 10)
	id, err := alice.CreateSession(ctx, fx.Def, initial)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, bob.JoinSession(ctx, id, fx.Def, initial))

	// Alice proposes moving 3 to Bob.
	// Her 50 weight alone cannot reach the 100 threshold.
	res, err := alice.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 7, 13),
	})
	require.NoError(t, err)
	require.False(t, res.Quorum.Approved)
	require.Nil(t, res.Submit)
	require.Equal(t, uint64(1), res.Candidate.Version)
	require.Len(t, res.Candidate.Signatures, 1)

	// Bob validates and signs the candidate.
	bobSig, err := bob.SignCandidate(ctx, res.Candidate)
	require.NoError(t, err)

	// Bob's signature completes quorum on Alice's side
	// and the candidate is submitted.
	addRes, err := alice.AddSignatures(ctx, id, 1, []cssession.SparseSignature{bobSig})
	require.NoError(t, err)
	require.Equal(t, csengine.SigsSubmitted, addRes.Status)
	require.NotNil(t, addRes.Submit)
	require.Equal(t, cssettle.SubmitAccepted, addRes.Submit.Status)

	snap, err := alice.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, cssession.StatusActive, snap.Status)
	require.Equal(t, uint64(1), snap.Version)
	require.Zero(t, snap.PendingVersion)
	require.Equal(t, big.NewInt(7), snap.Vector.Amount(fx.Addr(0), testAsset))
	require.Equal(t, big.NewInt(13), snap.Vector.Amount(fx.Addr(1), testAsset))

	// Bob is still at version 0 until the acknowledgment reaches him.
	bobSnap, err := bob.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(0), bobSnap.Version)

	ack := res.Candidate
	ack.Signatures = append(ack.Signatures, bobSig)
	status, err := bob.ApplyAck(ctx, ack)
	require.NoError(t, err)
	require.Equal(t, csengine.AckApplied, status)

	bobSnap, err = bob.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), bobSnap.Version)
	require.Equal(t, big.NewInt(13), bobSnap.Vector.Amount(fx.Addr(1), testAsset))
}

func TestEngine_heavyProposerSubmitsImmediately(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{60, 40}, 60)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	e := newTestEngine(t, ctx, fx, 0, backend)

	id, err := e.CreateSession(ctx, fx.Def, testVector(fx, 5, 5))
	require.NoError(t, err)

	res, err := e.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 3, 7),
	})
	require.NoError(t, err)
	require.True(t, res.Quorum.Approved)
	require.NotNil(t, res.Submit)
	require.Equal(t, cssettle.SubmitAccepted, res.Submit.Status)

	snap, err := e.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Version)
}

func TestEngine_versionConflictAdoptsAuthoritativeState(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Either participant alone reaches quorum,
	// so both can race the same version.
	fx := cssessiontest.NewFixture([]uint64{50, 50}, 50)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	alice := newTestEngine(t, ctx, fx, 0, backend)
	bob := newTestEngine(t, ctx, fx, 1, backend)

	initial := testVector(fx, 10, 10)
	id, err := alice.CreateSession(ctx, fx.Def, initial)
	require.NoError(t, err)
	require.NoError(t, bob.JoinSession(ctx, id, fx.Def, initial))

	// Alice wins version 1.
	aliceRes, err := alice.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 8, 12),
	})
	require.NoError(t, err)
	require.Equal(t, cssettle.SubmitAccepted, aliceRes.Submit.Status)

	// Bob, unaware, proposes his own version 1.
	// The backend rejects it and reports the authoritative state,
	// which Bob adopts so he can rebuild on top.
	bobRes, err := bob.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 12, 8),
	})
	require.NoError(t, err)
	require.NotNil(t, bobRes.Submit)
	require.Equal(t, cssettle.SubmitVersionConflict, bobRes.Submit.Status)

	snap, err := bob.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Version)
	require.Zero(t, snap.PendingVersion)
	require.Equal(t, big.NewInt(8), snap.Vector.Amount(fx.Addr(0), testAsset))
	require.Equal(t, big.NewInt(12), snap.Vector.Amount(fx.Addr(1), testAsset))

	// Rebuilding on the adopted state succeeds at version 2.
	retry, err := bob.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 12, 8),
	})
	require.NoError(t, err)
	require.Equal(t, cssettle.SubmitAccepted, retry.Submit.Status)
	require.Equal(t, uint64(2), retry.Candidate.Version)
}

func TestEngine_signCandidateRefusesBadLedger(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	alice := newTestEngine(t, ctx, fx, 0, backend)
	bob := newTestEngine(t, ctx, fx, 1, backend)

	initial := testVector(fx, 10, 10)
	id, err := alice.CreateSession(ctx, fx.Def, initial)
	require.NoError(t, err)
	require.NoError(t, bob.JoinSession(ctx, id, fx.Def, initial))

	// A candidate minting value out of nowhere,
	// carrying the proposer's perfectly valid signature.
	badVector := testVector(fx, 10, 100)
	tr := csledger.Transition{Kind: csledger.KindOperate, Proposed: badVector}
	target := tr.Target(id, 1)
	sig, err := fx.SparseSignature(ctx, 0, target)
	require.NoError(t, err)

	_, err = bob.SignCandidate(ctx, csengine.Candidate{
		SessionID:  id,
		Version:    1,
		Kind:       csledger.KindOperate,
		Proposed:   badVector,
		Signatures: []cssession.SparseSignature{sig},
	})
	require.ErrorIs(t, err, csledger.ErrConservation)

	// Bob did not adopt the bad candidate.
	snap, err := bob.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Zero(t, snap.PendingVersion)
}

func TestEngine_signCandidateVersionMismatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	e := newTestEngine(t, ctx, fx, 1, backend)

	initial := testVector(fx, 10, 10)
	id, err := e.CreateSession(ctx, fx.Def, initial)
	require.NoError(t, err)

	_, err = e.SignCandidate(ctx, csengine.Candidate{
		SessionID: id,
		Version:   5,
		Kind:      csledger.KindOperate,
		Proposed:  testVector(fx, 10, 10),
	})
	require.ErrorIs(t, err, csengine.ErrVersionConflict)
}

func TestEngine_addSignaturesEdgeCases(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{40, 40, 20}, 60)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	e := newTestEngine(t, ctx, fx, 0, backend)

	id, err := e.CreateSession(ctx, fx.Def, testVector(fx, 10, 10, 10))
	require.NoError(t, err)

	// No candidate outstanding yet.
	_, err = e.AddSignatures(ctx, id, 1, nil)
	require.ErrorIs(t, err, csengine.ErrNoPendingCandidate)

	res, err := e.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 7, 13, 10),
	})
	require.NoError(t, err)
	require.False(t, res.Quorum.Approved)

	// Signatures for a version that is not the pending candidate's.
	addRes, err := e.AddSignatures(ctx, id, 7, nil)
	require.NoError(t, err)
	require.Equal(t, csengine.SigsStaleVersion, addRes.Status)

	// The proposer's own signature again: valid but redundant.
	target := res.Candidate.Target()
	ownSig, err := fx.SparseSignature(ctx, 0, target)
	require.NoError(t, err)
	addRes, err = e.AddSignatures(ctx, id, 1, []cssession.SparseSignature{ownSig})
	require.NoError(t, err)
	require.Equal(t, csengine.SigsRedundant, addRes.Status)

	// A corrupted signature alongside nothing new.
	badSig, err := fx.SparseSignature(ctx, 2, target)
	require.NoError(t, err)
	badSig.Sig[3] ^= 0xff
	addRes, err = e.AddSignatures(ctx, id, 1, []cssession.SparseSignature{badSig})
	require.NoError(t, err)
	require.Equal(t, csengine.SigsInvalid, addRes.Status)

	// Participant 1's valid signature brings the weight to 80 of 100,
	// past the 60 percent threshold, triggering submission.
	sig1, err := fx.SparseSignature(ctx, 1, target)
	require.NoError(t, err)
	addRes, err = e.AddSignatures(ctx, id, 1, []cssession.SparseSignature{sig1})
	require.NoError(t, err)
	require.Equal(t, csengine.SigsSubmitted, addRes.Status)
	require.Equal(t, cssettle.SubmitAccepted, addRes.Submit.Status)
}

func TestEngine_closedSessionIsTerminal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Zero challenge window: close finalizes immediately.
	fx := cssessiontest.NewFixture([]uint64{100}, 50)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	e := newTestEngine(t, ctx, fx, 0, backend)

	id, err := e.CreateSession(ctx, fx.Def, testVector(fx, 10))
	require.NoError(t, err)

	res, err := e.Close(ctx, id, testVector(fx, 10))
	require.NoError(t, err)
	require.NotNil(t, res.Submit)
	require.Equal(t, cssettle.SubmitAccepted, res.Submit.Status)

	snap, err := e.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, cssession.StatusClosed, snap.Status)

	_, err = e.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 10),
	})
	require.ErrorIs(t, err, csengine.ErrSessionClosed)
}

func TestEngine_challengeWindowExpires(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{100}, 50)
	fx.Def.ChallengeWindow = 50 * time.Millisecond
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	e := newTestEngine(t, ctx, fx, 0, backend)

	id, err := e.CreateSession(ctx, fx.Def, testVector(fx, 10))
	require.NoError(t, err)

	res, err := e.Close(ctx, id, testVector(fx, 10))
	require.NoError(t, err)
	require.Equal(t, cssettle.SubmitAccepted, res.Submit.Status)

	snap, err := e.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, cssession.StatusClosing, snap.Status)
	require.False(t, snap.CloseDeadline.IsZero())

	// During the window, non-close transitions are refused.
	_, err = e.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 10),
	})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(ctx, id)
		return err == nil && snap.Status == cssession.StatusClosed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_disputeDuringWindow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 50)
	fx.Def.ChallengeWindow = 500 * time.Millisecond
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	alice := newTestEngine(t, ctx, fx, 0, backend)
	bob := newTestEngine(t, ctx, fx, 1, backend)

	initial := testVector(fx, 10, 10)
	id, err := alice.CreateSession(ctx, fx.Def, initial)
	require.NoError(t, err)
	require.NoError(t, bob.JoinSession(ctx, id, fx.Def, initial))

	// Alice unilaterally closes in her own favor; her weight suffices.
	res, err := alice.Close(ctx, id, testVector(fx, 15, 5))
	require.NoError(t, err)
	require.Equal(t, cssettle.SubmitAccepted, res.Submit.Status)

	// Bob learns of the close and disputes it with a fair split.
	ack := res.Candidate
	status, err := bob.ApplyAck(ctx, ack)
	require.NoError(t, err)
	require.Equal(t, csengine.AckApplied, status)

	bobSnap, err := bob.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, cssession.StatusClosing, bobSnap.Status)

	dispute, err := bob.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindClose,
		Proposed: testVector(fx, 10, 10),
	})
	require.NoError(t, err)
	require.NotNil(t, dispute.Submit)
	require.Equal(t, cssettle.SubmitAccepted, dispute.Submit.Status)
	require.Equal(t, uint64(2), dispute.Candidate.Version)

	// The backend agrees on the disputed final vector.
	st, v, vec, err := backend.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)
	require.Equal(t, cssession.StatusClosing, st)
	require.Equal(t, big.NewInt(10), vec.Amount(fx.Addr(0), testAsset))

	require.Eventually(t, func() bool {
		snap, err := bob.Snapshot(ctx, id)
		return err == nil && snap.Status == cssession.StatusClosed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngine_applyAckIdempotency(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 50)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	alice := newTestEngine(t, ctx, fx, 0, backend)
	bob := newTestEngine(t, ctx, fx, 1, backend)

	initial := testVector(fx, 10, 10)
	id, err := alice.CreateSession(ctx, fx.Def, initial)
	require.NoError(t, err)
	require.NoError(t, bob.JoinSession(ctx, id, fx.Def, initial))

	res, err := alice.Propose(ctx, id, csledger.Transition{
		Kind:     csledger.KindOperate,
		Proposed: testVector(fx, 8, 12),
	})
	require.NoError(t, err)
	require.Equal(t, cssettle.SubmitAccepted, res.Submit.Status)

	ack := res.Candidate

	// An ack skipping ahead is refused, not applied.
	farAck := ack
	farAck.Version = 3
	status, err := bob.ApplyAck(ctx, farAck)
	require.NoError(t, err)
	require.Equal(t, csengine.AckOutOfOrder, status)

	// An ack with a quorum that does not hold is refused.
	unsigned := ack
	unsigned.Signatures = nil
	status, err = bob.ApplyAck(ctx, unsigned)
	require.NoError(t, err)
	require.Equal(t, csengine.AckInvalid, status)

	status, err = bob.ApplyAck(ctx, ack)
	require.NoError(t, err)
	require.Equal(t, csengine.AckApplied, status)

	// Redelivery of the same ack is a no-op.
	status, err = bob.ApplyAck(ctx, ack)
	require.NoError(t, err)
	require.Equal(t, csengine.AckDuplicate, status)

	snap, err := bob.Snapshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Version)
}

func TestEngine_membershipRequired(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	// An engine whose signer is not in the definition.
	strangerFx := cssessiontest.NewFixture([]uint64{50, 50, 1}, 100)
	stranger := newTestEngine(t, ctx, strangerFx, 2, backend)

	_, err := stranger.CreateSession(ctx, fx.Def, testVector(fx, 10, 10))
	require.Error(t, err)

	require.Error(t, stranger.JoinSession(ctx, "some-session", fx.Def, testVector(fx, 10, 10)))
}

func TestEngine_unknownSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := cssessiontest.NewFixture([]uint64{100}, 50)
	backend := csmemsettle.New(csmemsettle.Config{Log: slogt.New(t)})

	e := newTestEngine(t, ctx, fx, 0, backend)

	_, err := e.Snapshot(ctx, "nope")
	require.ErrorIs(t, err, csengine.ErrUnknownSession)

	_, err = e.Propose(ctx, "nope", csledger.Transition{Kind: csledger.KindOperate})
	require.ErrorIs(t, err, csengine.ErrUnknownSession)
}
