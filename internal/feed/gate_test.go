package feed_test

import (
	"testing"

	"github.com/alejandrodnm/domasync/internal/domain"
	"github.com/alejandrodnm/domasync/internal/feed"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func seqEvent(seq int64) domain.Event {
	return domain.NewEvent("x", nil).WithSeq(seq)
}

func TestSequenceGate_InOrder(t *testing.T) {
	g := feed.NewSequenceGate(0, nil)

	assert.Equal(t, domain.Applied, g.Apply(seqEvent(1)))
	assert.Equal(t, domain.Applied, g.Apply(seqEvent(2)))
	assert.Equal(t, domain.SequenceState{LastAppliedSeq: 2, HighestSeen: 2}, g.State())
}

func TestSequenceGate_StaleIsNoop(t *testing.T) {
	g := feed.NewSequenceGate(0, nil)
	g.Apply(seqEvent(1))
	g.Apply(seqEvent(2))
	before := g.State()

	assert.Equal(t, domain.Stale, g.Apply(seqEvent(2)))
	assert.Equal(t, domain.Stale, g.Apply(seqEvent(1)))
	assert.Equal(t, before, g.State())
}

func TestSequenceGate_UnsequencedAlwaysApplies(t *testing.T) {
	g := feed.NewSequenceGate(5, nil)
	trade := domain.NewEvent(domain.EventTrade, map[string]any{"price": "1"})

	assert.Equal(t, domain.Applied, g.Apply(trade))
	assert.Equal(t, domain.Applied, g.Apply(trade))
	assert.Equal(t, int64(5), g.State().LastAppliedSeq)
}

func TestSequenceGate_GapHoldsCursor(t *testing.T) {
	g := feed.NewSequenceGate(0, nil)
	g.Apply(seqEvent(1))

	assert.Equal(t, domain.GapDetected, g.Apply(seqEvent(3)))
	st := g.State()
	assert.Equal(t, int64(1), st.LastAppliedSeq)
	assert.Equal(t, int64(3), st.HighestSeen)
	assert.True(t, st.GapInProgress)

	// re-entrega del mismo seq por delante del hueco
	assert.Equal(t, domain.Stale, g.Apply(seqEvent(3)))
}

func TestSequenceGate_LateFillAbsorbsAhead(t *testing.T) {
	g := feed.NewSequenceGate(0, nil)
	g.Apply(seqEvent(1))
	g.Apply(seqEvent(3))
	g.Apply(seqEvent(4))

	// el 2 llega tarde por el propio transport
	assert.Equal(t, domain.Applied, g.Apply(seqEvent(2)))
	assert.Equal(t, int64(4), g.State().LastAppliedSeq)
}

func TestSequenceGate_CompleteGap(t *testing.T) {
	var checkpoints []int64
	g := feed.NewSequenceGate(0, func(seq int64) { checkpoints = append(checkpoints, seq) })
	g.Apply(seqEvent(1))
	g.Apply(seqEvent(2))
	g.Apply(seqEvent(4))
	g.Apply(seqEvent(5))

	assert.False(t, g.CompleteGap(5, true))

	st := g.State()
	assert.Equal(t, int64(5), st.LastAppliedSeq)
	assert.False(t, st.GapInProgress)
	assert.Equal(t, []int64{1, 2, 5}, checkpoints)
	assert.Equal(t, domain.Applied, g.Apply(seqEvent(6)))
}

func TestSequenceGate_CompleteGapFailureKeepsCursor(t *testing.T) {
	g := feed.NewSequenceGate(0, nil)
	g.Apply(seqEvent(1))
	g.Apply(seqEvent(4))

	assert.False(t, g.CompleteGap(4, false))

	st := g.State()
	assert.Equal(t, int64(1), st.LastAppliedSeq)
	assert.False(t, st.GapInProgress)
	// el siguiente evento vuelve a detectar el hueco
	assert.Equal(t, domain.GapDetected, g.Apply(seqEvent(5)))
}

func TestSequenceGate_CompleteGapKeepsLaterHole(t *testing.T) {
	var checkpoints []int64
	g := feed.NewSequenceGate(0, func(seq int64) { checkpoints = append(checkpoints, seq) })
	g.Apply(seqEvent(1))
	g.Apply(seqEvent(3)) // backfill lanzado hasta 3
	g.Apply(seqEvent(6)) // hueco nuevo mientras el fetch está en curso

	assert.True(t, g.CompleteGap(3, true))

	st := g.State()
	assert.Equal(t, int64(3), st.LastAppliedSeq)
	assert.Equal(t, int64(6), st.HighestSeen)
	assert.True(t, st.GapInProgress)
	assert.Equal(t, []int64{1, 3}, checkpoints)
	assert.Equal(t, domain.Applied, g.Apply(seqEvent(4)))
	assert.Equal(t, domain.Stale, g.Apply(seqEvent(6)))

	assert.False(t, g.CompleteGap(6, true))
	assert.Equal(t, int64(6), g.State().LastAppliedSeq)
	assert.False(t, g.State().GapInProgress)
}

func TestSequenceGate_Resume(t *testing.T) {
	g := feed.NewSequenceGate(41, nil)
	assert.Equal(t, domain.Stale, g.Apply(seqEvent(41)))
	assert.Equal(t, domain.Applied, g.Apply(seqEvent(42)))

	g.Reset()
	assert.Equal(t, domain.SequenceState{}, g.State())
}

func TestSequenceGate_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := feed.NewSequenceGate(0, nil)
		seqs := rapid.SliceOfN(rapid.Int64Range(1, 40), 1, 100).Draw(t, "seqs")
		completeAt := rapid.IntRange(0, 100).Draw(t, "completeAt")

		for i, seq := range seqs {
			if i == completeAt {
				g.CompleteGap(g.State().HighestSeen, rapid.Bool().Draw(t, "ok"))
			}
			before := g.State()
			d := g.Apply(seqEvent(seq))
			after := g.State()

			if after.LastAppliedSeq < before.LastAppliedSeq {
				t.Fatalf("lastApplied went back: %d -> %d", before.LastAppliedSeq, after.LastAppliedSeq)
			}
			if after.HighestSeen < after.LastAppliedSeq {
				t.Fatalf("highestSeen %d < lastApplied %d", after.HighestSeen, after.LastAppliedSeq)
			}
			if d == domain.Stale && before != after {
				t.Fatalf("stale seq %d mutated state: %+v -> %+v", seq, before, after)
			}
			if seq <= before.LastAppliedSeq && d != domain.Stale {
				t.Fatalf("seq %d <= lastApplied %d not stale: %s", seq, before.LastAppliedSeq, d)
			}
		}
	})
}
