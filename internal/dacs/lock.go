// Package dacs encodes service-scoped permission locks attached to published
// refresh images.
package dacs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Combinator selects how multiple entitlement codes combine.
type Combinator byte

const (
	CombineAnd Combinator = 0x02
	CombineOr  Combinator = 0x03
)

// Lock layout, all deterministic for a given input set:
//
//	byte 0      version (0x01)
//	bytes 1-2   service id, big endian
//	byte 3      combinator
//	then        uvarint code count, followed by each code as uvarint,
//	            sorted ascending with duplicates removed
const lockVersion = 0x01

var ErrNoCodes = errors.New("dacs: no entitlement codes")

// Encode builds the permission lock bytes for a service and entitlement code
// set. Publishers treat a failure as "publish without lock" and count it.
func Encode(serviceID uint32, combinator Combinator, codes []uint32) ([]byte, error) {
	if serviceID == 0 || serviceID > 0xFFFF {
		return nil, fmt.Errorf("dacs: service id %d out of range", serviceID)
	}
	if combinator != CombineAnd && combinator != CombineOr {
		return nil, fmt.Errorf("dacs: invalid combinator 0x%02x", byte(combinator))
	}
	if len(codes) == 0 {
		return nil, ErrNoCodes
	}

	sorted := make([]uint32, 0, len(codes))
	seen := make(map[uint32]bool, len(codes))
	for _, code := range codes {
		if code == 0 {
			return nil, errors.New("dacs: entitlement code 0 is not valid")
		}
		if !seen[code] {
			seen[code] = true
			sorted = append(sorted, code)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	buf := make([]byte, 0, 4+1+5*len(sorted))
	buf = append(buf, lockVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(serviceID))
	buf = append(buf, byte(combinator))
	buf = binary.AppendUvarint(buf, uint64(len(sorted)))
	for _, code := range sorted {
		buf = binary.AppendUvarint(buf, uint64(code))
	}
	return buf, nil
}
