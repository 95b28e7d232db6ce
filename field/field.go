// Copyright 2017 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package field implements arithmetic helpers for the scalar field the
// identity sequencer's commitments live in, and the hex wire encoding used
// at the HTTP boundary.
package field

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Modulus is the BN254/alt_bn128 scalar field characteristic. Commitments
// and tree elements are always reduced modulo this value.
var Modulus, _ = new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

// Width is the byte length of the big-endian, left-padded wire encoding.
const Width = 32

// Element is a field element represented as a fixed-width, big-endian byte
// array, suitable for use as a Merkle leaf or tree node.
type Element [Width]byte

// Zero is the additive identity.
var Zero Element

// FromBigInt encodes the magnitude of v as an Element, keeping only its
// low Width bytes; it does not reduce v modulo Modulus. It panics if v is
// nil; callers must validate reduction with InRange before calling this
// for untrusted input.
func FromBigInt(v *big.Int) Element {
	var e Element
	b := v.Bytes()
	if len(b) > Width {
		b = b[len(b)-Width:]
	}
	copy(e[Width-len(b):], b)
	return e
}

// BigInt decodes e back into a *big.Int.
func (e Element) BigInt() *big.Int {
	return new(big.Int).SetBytes(e[:])
}

// InRange reports whether v is strictly less than Modulus and non-negative.
func InRange(v *big.Int) bool {
	return v.Sign() >= 0 && v.Cmp(Modulus) < 0
}

// Hex renders e as a 0x-prefixed, big-endian hex string.
func (e Element) Hex() string {
	return "0x" + hex.EncodeToString(e[:])
}

// ParseHex parses a 0x-prefixed hex string into an Element, left-padding
// short inputs and rejecting inputs wider than Width bytes.
func ParseHex(s string) (Element, error) {
	var e Element
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return e, fmt.Errorf("field: invalid hex: %w", err)
	}
	if len(b) > Width {
		return e, fmt.Errorf("field: value wider than %d bytes", Width)
	}
	copy(e[Width-len(b):], b)
	return e, nil
}

// MarshalText implements encoding.TextMarshaler so Element can be used
// directly as a JSON field value.
func (e Element) MarshalText() ([]byte, error) {
	return []byte(e.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Element) UnmarshalText(b []byte) error {
	v, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
