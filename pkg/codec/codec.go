// Copyright 2025 Certen Protocol
//
// Package codec provides the single canonical byte encoding used everywhere
// a chain structure is hashed or signed. It wraps fxamacker/cbor's core
// deterministic encoding mode (RFC 8949 §4.2.1 core deterministic CBOR):
// map keys sorted, no indefinite-length items, shortest-form integers. Two
// nodes encoding equal values are guaranteed byte-identical output, which is
// the property every signature and hash in this system depends on.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: invalid deterministic encoding options: %v", err))
	}
	encMode = m

	dopts := cbor.DecOptions{}
	dm, err := dopts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: invalid decoding options: %v", err))
	}
	decMode = dm
}

// Encode produces the canonical byte encoding of v.
func Encode(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode failed: %w", err)
	}
	return b, nil
}

// Decode reverses Encode into dst, which must be a pointer.
func Decode(data []byte, dst interface{}) error {
	if err := decMode.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("codec: decode failed: %w", err)
	}
	return nil
}
