package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/moosefs/moosefs-sub002/apis"
)

// csdataver wire encodings of a chunk's server list:
// 1 = legacy plain (ip, port only), 2 = plain with chunkserver version
// and label mask,
// 3 = erasure split (chainelements must be a multiple of 4 or 8 entries,
// one list per part).
const (
	CSDataVerLegacyPlain = 1
	CSDataVerLabeledPlain = 2
	CSDataVerSplit        = 3
)

const (
	legacyEntryLen = 6 // ip:u32 port:u16
	// LabeledEntryLen is the exported form of labeledEntryLen, for
	// callers (readengine) that need to recover chainElements
	// from a cached csdata blob's length without re-decoding it.
	LabeledEntryLen = 14
	labeledEntryLen = LabeledEntryLen
)

// DecodeCSData parses the server-list bytes the master attaches to a
// chunk lookup/write-prepare response into a ChunkServers.Parts slice,
// dispatching on csdataver. For csdataver=3, chainelements is the
// total entry count across all parts; any count that isn't a clean
// multiple of 4 or 8 is malformed and must trigger a cache
// invalidation + retry.
func DecodeCSData(csdataver int, csdata []byte, chainElements int) (apis.ChunkLayout, [][]apis.ServerDescriptor, error) {
	switch csdataver {
	case CSDataVerLegacyPlain:
		list, err := decodeEntries(csdata, legacyEntryLen, decodeLegacyEntry)
		if err != nil {
			return 0, nil, err
		}
		return apis.LayoutPlain, [][]apis.ServerDescriptor{list}, nil
	case CSDataVerLabeledPlain:
		list, err := decodeEntries(csdata, labeledEntryLen, decodeLabeledEntry)
		if err != nil {
			return 0, nil, err
		}
		return apis.LayoutPlain, [][]apis.ServerDescriptor{list}, nil
	case CSDataVerSplit:
		var parts int
		switch {
		case chainElements > 0 && chainElements%8 == 0:
			parts = 8
		case chainElements > 0 && chainElements%4 == 0:
			parts = 4
		default:
			return 0, nil, fmt.Errorf("wire: malformed split csdata, chainelements=%d", chainElements)
		}
		all, err := decodeEntries(csdata, labeledEntryLen, decodeLabeledEntry)
		if err != nil {
			return 0, nil, err
		}
		if len(all) != chainElements {
			return 0, nil, fmt.Errorf("wire: split csdata entry count %d != chainelements %d", len(all), chainElements)
		}
		perPart := len(all) / parts
		result := make([][]apis.ServerDescriptor, parts)
		for i := 0; i < parts; i++ {
			result[i] = all[i*perPart : (i+1)*perPart]
		}
		layout := apis.LayoutSplit4
		if parts == 8 {
			layout = apis.LayoutSplit8
		}
		return layout, result, nil
	default:
		return 0, nil, fmt.Errorf("wire: unknown csdataver %d", csdataver)
	}
}

func decodeEntries(data []byte, entryLen int, decode func([]byte) apis.ServerDescriptor) ([]apis.ServerDescriptor, error) {
	if len(data)%entryLen != 0 {
		return nil, fmt.Errorf("wire: csdata length %d not a multiple of entry length %d", len(data), entryLen)
	}
	n := len(data) / entryLen
	out := make([]apis.ServerDescriptor, n)
	for i := 0; i < n; i++ {
		out[i] = decode(data[i*entryLen : (i+1)*entryLen])
	}
	return out, nil
}

func decodeLegacyEntry(b []byte) apis.ServerDescriptor {
	return apis.ServerDescriptor{
		IP:   binary.BigEndian.Uint32(b[0:4]),
		Port: binary.BigEndian.Uint16(b[4:6]),
	}
}

func decodeLabeledEntry(b []byte) apis.ServerDescriptor {
	return apis.ServerDescriptor{
		IP:        binary.BigEndian.Uint32(b[0:4]),
		Port:      binary.BigEndian.Uint16(b[4:6]),
		CSVersion: binary.BigEndian.Uint32(b[6:10]),
		LabelMask: binary.BigEndian.Uint32(b[10:14]),
	}
}

// EncodeCSData is the inverse of DecodeCSData, used by tests and by the
// in-memory fake chunkserver/master to construct wire-compatible
// responses.
func EncodeCSData(layout apis.ChunkLayout, parts [][]apis.ServerDescriptor) (csdataver int, data []byte) {
	switch layout {
	case apis.LayoutPlain:
		for _, d := range parts[0] {
			data = append(data, encodeLabeledEntry(d)...)
		}
		return CSDataVerLabeledPlain, data
	default:
		for _, part := range parts {
			for _, d := range part {
				data = append(data, encodeLabeledEntry(d)...)
			}
		}
		return CSDataVerSplit, data
	}
}

func encodeLabeledEntry(d apis.ServerDescriptor) []byte {
	b := make([]byte, labeledEntryLen)
	binary.BigEndian.PutUint32(b[0:4], d.IP)
	binary.BigEndian.PutUint16(b[4:6], d.Port)
	binary.BigEndian.PutUint32(b[6:10], d.CSVersion)
	binary.BigEndian.PutUint32(b[10:14], d.LabelMask)
	return b
}
