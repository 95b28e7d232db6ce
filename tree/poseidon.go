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

	"github.com/iden3/go-iden3-crypto/poseidon"

	"github.com/transparency-dev/identity-sequencer/field"
)

// PoseidonHasher hashes tree nodes with Poseidon over the BN254 scalar
// field, the default accumulator used by on-chain Semaphore-style
// verifiers.
type PoseidonHasher struct{}

var _ Hasher = PoseidonHasher{}

// HashChildren implements Hasher.
func (PoseidonHasher) HashChildren(left, right Hash) Hash {
	out, err := poseidon.Hash([]*big.Int{left.BigInt(), right.BigInt()})
	if err != nil {
		// poseidon.Hash only fails on inputs outside the field; left and
		// right are always produced by this package's own reduction, so
		// this would indicate a broken invariant rather than bad input.
		panic(err)
	}
	reduced := new(big.Int).Mod(out, field.Modulus)
	return field.FromBigInt(reduced)
}
