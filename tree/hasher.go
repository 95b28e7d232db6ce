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

// Package tree implements the in-memory, fixed-depth Merkle accumulator
// that mirrors the sequencer's on-chain contract state.
package tree

import (
	"github.com/transparency-dev/identity-sequencer/field"
)

// Hash is a single node or leaf value: a reduced element of the scalar
// field, big-endian encoded.
type Hash = field.Element

// Hasher combines two child nodes into their parent. The hash primitive
// itself is out of scope for the accumulator: it is supplied at
// construction time and never varies per request.
type Hasher interface {
	// HashChildren returns the parent of left and right.
	HashChildren(left, right Hash) Hash
}
