package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moosefs/moosefs-sub002/apis"
)

func TestDecodeCSDataPlain(t *testing.T) {
	want := [][]apis.ServerDescriptor{{
		{IP: 1, Port: 100, CSVersion: 10732, LabelMask: 1},
		{IP: 2, Port: 200, CSVersion: 10732, LabelMask: 2},
	}}
	_, data := EncodeCSData(apis.LayoutPlain, want)
	layout, parts, err := DecodeCSData(CSDataVerLabeledPlain, data, 0)
	require.NoError(t, err)
	assert.Equal(t, apis.LayoutPlain, layout)
	assert.Equal(t, want, parts)
}

func TestDecodeCSDataSplit4(t *testing.T) {
	want := [][]apis.ServerDescriptor{
		{{IP: 1, Port: 1}},
		{{IP: 2, Port: 2}},
		{{IP: 3, Port: 3}},
		{{IP: 4, Port: 4}},
	}
	_, data := EncodeCSData(apis.LayoutSplit4, want)
	layout, parts, err := DecodeCSData(CSDataVerSplit, data, 4)
	require.NoError(t, err)
	assert.Equal(t, apis.LayoutSplit4, layout)
	assert.Equal(t, want, parts)
}

func TestDecodeCSDataSplit8(t *testing.T) {
	want := make([][]apis.ServerDescriptor, 8)
	for i := range want {
		want[i] = []apis.ServerDescriptor{{IP: uint32(i + 1), Port: uint16(i + 1)}}
	}
	_, data := EncodeCSData(apis.LayoutSplit8, want)
	layout, parts, err := DecodeCSData(CSDataVerSplit, data, 8)
	require.NoError(t, err)
	assert.Equal(t, apis.LayoutSplit8, layout)
	assert.Equal(t, want, parts)
}

func TestDecodeCSDataSplitMalformedChainElementsRetries(t *testing.T) {
	_, _, err := DecodeCSData(CSDataVerSplit, make([]byte, 14*6), 6)
	assert.Error(t, err)
}

func TestDecodeCSDataUnknownVersion(t *testing.T) {
	_, _, err := DecodeCSData(99, nil, 0)
	assert.Error(t, err)
}
