package cssession_test

import (
	"testing"

	"github.com/channel-engine/chorus/cs/cssession"
	"github.com/channel-engine/chorus/cs/cssession/cssessiontest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestEvaluateQuorum_twoEqualParticipants(t *testing.T) {
	t.Parallel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)

	res, err := cssession.EvaluateQuorum(fx.Def, []common.Address{fx.Addr(0)})
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Equal(t, uint64(50), res.AchievedWeight)
	require.Equal(t, uint64(100), res.RequiredWeight)

	res, err = cssession.EvaluateQuorum(fx.Def, []common.Address{fx.Addr(0), fx.Addr(1)})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, uint64(100), res.AchievedWeight)
}

func TestEvaluateQuorum_unevenWeights(t *testing.T) {
	t.Parallel()

	fx := cssessiontest.NewFixture([]uint64{40, 40, 20}, 60)

	// A(40) + C(20) achieves exactly 60 percent.
	res, err := cssession.EvaluateQuorum(fx.Def, []common.Address{fx.Addr(0), fx.Addr(2)})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, uint64(60), res.AchievedWeight)

	// A alone is short.
	res, err = cssession.EvaluateQuorum(fx.Def, []common.Address{fx.Addr(0)})
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Equal(t, uint64(40), res.AchievedWeight)
}

func TestEvaluateQuorum_duplicateSignerCountedOnce(t *testing.T) {
	t.Parallel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)

	res, err := cssession.EvaluateQuorum(fx.Def, []common.Address{
		fx.Addr(0), fx.Addr(0), fx.Addr(0),
	})
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Equal(t, uint64(50), res.AchievedWeight)
}

func TestEvaluateQuorum_unknownSigner(t *testing.T) {
	t.Parallel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)

	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	_, err := cssession.EvaluateQuorum(fx.Def, []common.Address{fx.Addr(0), stranger})
	require.ErrorIs(t, err, cssession.ErrUnknownParticipant)
}

func TestEvaluateQuorum_zeroSigners(t *testing.T) {
	t.Parallel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)

	res, err := cssession.EvaluateQuorum(fx.Def, nil)
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Zero(t, res.AchievedWeight)

	// Threshold zero approves even the empty signer set.
	zeroDef := fx.Def
	zeroDef.QuorumThreshold = 0
	res, err = cssession.EvaluateQuorum(zeroDef, nil)
	require.NoError(t, err)
	require.True(t, res.Approved)
}

func TestEvaluateQuorum_singleHeavyParticipant(t *testing.T) {
	t.Parallel()

	// One participant whose weight alone meets the threshold suffices;
	// there is no minimum signer count.
	fx := cssessiontest.NewFixture([]uint64{70, 20, 10}, 60)

	res, err := cssession.EvaluateQuorum(fx.Def, []common.Address{fx.Addr(0)})
	require.NoError(t, err)
	require.True(t, res.Approved)
}

func TestEvaluateQuorum_unevenDivisionUsesScaledIntegers(t *testing.T) {
	t.Parallel()

	// Total weight 3, threshold 50: required is ceil(1.5) = 2.
	fx := cssessiontest.NewFixture([]uint64{1, 1, 1}, 50)

	res, err := cssession.EvaluateQuorum(fx.Def, []common.Address{fx.Addr(0)})
	require.NoError(t, err)
	require.False(t, res.Approved, "1 of 3 is below 50 percent")
	require.Equal(t, uint64(2), res.RequiredWeight)

	res, err = cssession.EvaluateQuorum(fx.Def, []common.Address{fx.Addr(0), fx.Addr(1)})
	require.NoError(t, err)
	require.True(t, res.Approved, "2 of 3 is at least 50 percent")
}

func TestEvaluateQuorum_deterministic(t *testing.T) {
	t.Parallel()

	fx := cssessiontest.NewFixture([]uint64{40, 40, 20}, 60)
	signers := []common.Address{fx.Addr(2), fx.Addr(0)}

	first, err := cssession.EvaluateQuorum(fx.Def, signers)
	require.NoError(t, err)
	second, err := cssession.EvaluateQuorum(fx.Def, signers)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()

	fx := cssessiontest.NewFixture([]uint64{50, 50}, 100)
	require.NoError(t, fx.Def.Validate())

	dup := fx.Def
	dup.Participants = []cssession.Participant{
		{Addr: fx.Addr(0), Weight: 50},
		{Addr: fx.Addr(0), Weight: 50},
	}
	require.Error(t, dup.Validate())

	over := fx.Def
	over.QuorumThreshold = 101
	require.Error(t, over.Validate())

	zero := fx.Def
	zero.Participants = []cssession.Participant{
		{Addr: fx.Addr(0), Weight: 0},
	}
	require.Error(t, zero.Validate())

	empty := fx.Def
	empty.Participants = nil
	require.Error(t, empty.Validate())
}

func TestWeightOf(t *testing.T) {
	t.Parallel()

	fx := cssessiontest.NewFixture([]uint64{40, 40, 20}, 60)

	w, err := fx.Def.WeightOf(fx.Addr(2))
	require.NoError(t, err)
	require.Equal(t, uint64(20), w)

	_, err = fx.Def.WeightOf(common.HexToAddress("0x01"))
	require.ErrorIs(t, err, cssession.ErrUnknownParticipant)

	require.Equal(t, uint64(100), fx.Def.TotalWeight())
}
