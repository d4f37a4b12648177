package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlanner(t *testing.T) {
	_, err := NewPlanner(0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = NewPlanner(500 * time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidSize)

	p, err := NewPlanner(90*time.Second + 400*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, p.Size())
}

func TestPlan_Contiguous(t *testing.T) {
	p, err := NewPlanner(DefaultSize)
	require.NoError(t, err)

	ranges := []struct {
		name       string
		start, end int64
	}{
		{name: "exact multiple", start: 1700000000, end: 1700000000 + 7*86400},
		{name: "partial tail", start: 1700000000, end: 1700000000 + 7*86400 + 17},
		{name: "shorter than one window", start: 1700000000, end: 1700000060},
		{name: "one year", start: 1672531200, end: 1704067200},
	}

	for _, tt := range ranges {
		t.Run(tt.name, func(t *testing.T) {
			windows := p.Plan(tt.start, tt.end)
			require.NotEmpty(t, windows)
			assert.Len(t, windows, p.Count(tt.start, tt.end))

			assert.Equal(t, tt.start, windows[0].Start)
			assert.Equal(t, tt.end, windows[len(windows)-1].End)
			for i, w := range windows {
				assert.Less(t, w.Start, w.End, "window %d", i)
				assert.GreaterOrEqual(t, w.Start, tt.start)
				assert.LessOrEqual(t, w.End, tt.end)
				assert.LessOrEqual(t, w.Duration(), p.Size())
				if i+1 < len(windows) {
					assert.Equal(t, w.End, windows[i+1].Start, "gap after window %d", i)
				}
			}
		})
	}
}

func TestPlan_TwoAndAHalfWindows(t *testing.T) {
	p, err := NewPlanner(time.Hour)
	require.NoError(t, err)

	start := int64(1700000000)
	end := start + int64(2.5*3600)
	windows := p.Plan(start, end)

	require.Len(t, windows, 3)
	assert.Equal(t, Window{Start: start, End: start + 3600}, windows[0])
	assert.Equal(t, Window{Start: start + 3600, End: start + 7200}, windows[1])
	assert.Equal(t, Window{Start: start + 7200, End: end}, windows[2])
	assert.Less(t, windows[2].Duration(), p.Size())
}

func TestCount_EmptyRange(t *testing.T) {
	p, err := NewPlanner(time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, p.Count(100, 100))
	assert.Equal(t, 0, p.Count(200, 100))
	assert.Empty(t, p.Plan(200, 100))
}

func TestWindows_Lazy(t *testing.T) {
	p, err := NewPlanner(time.Second)
	require.NoError(t, err)

	// A range this large would be expensive to materialize.
	var seen []int
	for i, w := range p.Windows(0, 1<<40) {
		seen = append(seen, i)
		assert.Equal(t, int64(i), w.Start)
		if i == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Equal(t, 1<<40, p.Count(0, 1<<40))
}
