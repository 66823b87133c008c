package csorder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moosefs/moosefs-sub002/apis"
)

func TestSortPrefersLabeledServers(t *testing.T) {
	o := New(LabelExpr{Mask: 0x1}, nil)
	candidates := []apis.ServerDescriptor{
		{IP: 1, Port: 1, LabelMask: 0, Priority: 10},
		{IP: 2, Port: 2, LabelMask: 0x1, Priority: 1},
	}
	ranked := o.Sort(candidates, false)
	assert.Equal(t, uint32(2), ranked[0].IP, "labeled server should outrank a higher-priority unlabeled one")
}

func TestSortByPriorityWhenLabelsTie(t *testing.T) {
	o := New(LabelExpr{}, nil)
	candidates := []apis.ServerDescriptor{
		{IP: 1, Port: 1, Priority: 1},
		{IP: 2, Port: 2, Priority: 9},
	}
	ranked := o.Sort(candidates, false)
	assert.Equal(t, uint32(2), ranked[0].IP)
}

func TestSortStableKeyBreaksTies(t *testing.T) {
	o := New(LabelExpr{}, nil)
	candidates := []apis.ServerDescriptor{
		{IP: 1, Port: 1, Priority: 5},
		{IP: 2, Port: 2, Priority: 5},
	}
	first := o.Sort(candidates, false)
	second := o.Sort(candidates, false)
	assert.Equal(t, first, second, "tie-break ordering must be stable across calls")
}

func TestSortPrefersLeastLoadedOnReadTies(t *testing.T) {
	loads := NewLoadCounters()
	candidates := []apis.ServerDescriptor{
		{IP: 1, Port: 1, Priority: 5},
		{IP: 2, Port: 2, Priority: 5},
	}
	loads.ReadInc(candidates[0].Address())
	loads.ReadInc(candidates[0].Address())

	o := New(LabelExpr{}, loads)
	ranked := o.Sort(candidates, false)
	assert.Equal(t, uint32(2), ranked[0].IP, "less-loaded server should rank first among equal priority")
}

func TestSortDoesNotConsiderLoadForWrites(t *testing.T) {
	loads := NewLoadCounters()
	candidates := []apis.ServerDescriptor{
		{IP: 1, Port: 1, Priority: 5},
		{IP: 2, Port: 2, Priority: 5},
	}
	loads.ReadInc(candidates[0].Address())
	loads.ReadInc(candidates[0].Address())

	o := New(LabelExpr{}, loads)
	write := o.Sort(candidates, true)
	noLoad := New(LabelExpr{}, nil).Sort(candidates, true)
	assert.Equal(t, write, noLoad, "write ordering ignores read load, so loaded and unloaded orders agree")
}
