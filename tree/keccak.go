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

package tree

import (
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/transparency-dev/identity-sequencer/field"
)

// Keccak256Hasher hashes tree nodes with Keccak-256, for deployments whose
// on-chain verifier builds a keccak tree instead of a Poseidon one. Which
// Hasher is active is a construction-time choice, never a per-request one.
type Keccak256Hasher struct{}

var _ Hasher = Keccak256Hasher{}

// HashChildren implements Hasher.
func (Keccak256Hasher) HashChildren(left, right Hash) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(left[:])
	h.Write(right[:])
	sum := new(big.Int).SetBytes(h.Sum(nil))
	sum.Mod(sum, field.Modulus)
	return field.FromBigInt(sum)
}
