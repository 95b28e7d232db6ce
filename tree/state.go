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

// State is the pair (tree, next_leaf): next_leaf is the index of the
// first unused slot. The invariant leaves[0:next_leaf] assigned,
// leaves[next_leaf:] == InitialLeaf is maintained by Set alone; callers
// must serialize access to a State (see package treelock).
type State struct {
	Tree     *Tree
	NextLeaf int
}

// NewState builds a fresh, empty state sized from depth.
func NewState(depth int, hasher Hasher, initialLeaf Hash) *State {
	return &State{Tree: New(depth, hasher, initialLeaf), NextLeaf: 0}
}

// Set assigns value to leaf i and, if value is not the initial leaf,
// advances NextLeaf to max(NextLeaf, i+1).
func (s *State) Set(i int, value Hash) error {
	if err := s.Tree.Set(i, value); err != nil {
		return err
	}
	if value != s.Tree.InitialLeaf() && i+1 > s.NextLeaf {
		s.NextLeaf = i + 1
	}
	return nil
}

// IndexOf does a linear scan of the assigned leaves for value, returning
// (index, true) on the first match or (0, false) if absent. This mirrors
// the O(next_leaf) duplicate check the query surface performs before
// accepting a new commitment.
func (s *State) IndexOf(value Hash) (int, bool) {
	for i := 0; i < s.NextLeaf; i++ {
		if s.Tree.Leaf(i) == value {
			return i, true
		}
	}
	return 0, false
}

// Reset discards all tree state, restoring the fresh/empty condition. Used
// by the chain subscriber's root-mismatch recovery protocol.
func (s *State) Reset() {
	s.Tree = New(s.Tree.Depth(), s.Tree.hasher, s.Tree.initialLeaf)
	s.NextLeaf = 0
}
