package compute

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAQPSupportMatrix(t *testing.T) {
	aqp := map[OperatorType]bool{
		MeanAQP: true, IMA: true, MSWJ: true, IAWJSel: true, LazyIAWJSel: true, PECJ: true,
		IAWJ: false, AI: false, LinearSVI: false, SHJ: false, PRJ: false,
	}
	for kind, want := range aqp {
		require.Equal(t, want, SupportsAQP(kind), "operator %s", kind)
	}
	require.Len(t, KnownOperatorTypes(), len(aqp))
}

func TestNewOperatorRejectsUnknownKind(t *testing.T) {
	_, err := NewOperator(OperatorType("NotReal"))
	require.Error(t, err)
}

// TestSHJExactJoin mirrors Scenario E's shape: 10 S tuples and 10 R
// tuples over one window, constructed so exactly 20 pairs share a key
// out of the 100 possible (S,R) pairs — a 0.20 selectivity.
func TestSHJExactJoin(t *testing.T) {
	op, err := NewOperator(SHJ)
	require.NoError(t, err)
	require.False(t, op.SupportsAQP())

	op.SetWindow(1_000_000, 0)
	require.True(t, op.Start())
	defer op.Stop()

	// S: 2 tuples at key 0, 8 at key 1. R: all 10 tuples at key 0.
	// join_count = 2*10 (key 0 matches) + 8*0 (key 1 has no R match) = 20.
	for i := 0; i < 2; i++ {
		op.FeedTupleS(Tuple{Key: 0, EventTime: int64(i)})
	}
	for i := 2; i < 10; i++ {
		op.FeedTupleS(Tuple{Key: 1, EventTime: int64(i)})
	}
	for i := 0; i < 10; i++ {
		op.FeedTupleR(Tuple{Key: 0, EventTime: int64(i)})
	}

	require.Equal(t, int64(20), op.GetResult())
}

func TestAQPOperatorReturnsEstimate(t *testing.T) {
	op, err := NewOperator(MeanAQP)
	require.NoError(t, err)
	require.True(t, op.SupportsAQP())

	op.SetWindow(1000, 0)
	op.Start()
	for i := 0; i < 20; i++ {
		op.FeedTupleS(Tuple{Key: int64(i % 4)})
	}
	for i := 0; i < 20; i++ {
		op.FeedTupleR(Tuple{Key: int64(i % 4)})
	}
	exact := op.GetResult()
	estimate := op.GetAQPResult()
	require.Greater(t, exact, int64(0))
	require.GreaterOrEqual(t, estimate, float64(0))
}

func TestExactOperatorAQPResultIsZero(t *testing.T) {
	op, err := NewOperator(IAWJ)
	require.NoError(t, err)
	require.Equal(t, float64(0), op.GetAQPResult())
}
