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

package tree_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/tree"
)

func leafFromInt(i int64) tree.Hash {
	return field.FromBigInt(big.NewInt(i))
}

func TestEmptyTreeRootIsStable(t *testing.T) {
	t1 := tree.New(4, tree.PoseidonHasher{}, field.Zero)
	t2 := tree.New(4, tree.PoseidonHasher{}, field.Zero)
	assert.Equal(t, t1.Root(), t2.Root())
}

func TestSetAdvancesNextLeafViaState(t *testing.T) {
	s := tree.NewState(4, tree.PoseidonHasher{}, field.Zero)
	require.NoError(t, s.Set(0, leafFromInt(1)))
	assert.Equal(t, 1, s.NextLeaf)
	require.NoError(t, s.Set(2, leafFromInt(2)))
	assert.Equal(t, 3, s.NextLeaf)
	// Setting an earlier index again must not move NextLeaf backwards.
	require.NoError(t, s.Set(0, leafFromInt(3)))
	assert.Equal(t, 3, s.NextLeaf)
}

func TestProofVerifiesAgainstRoot(t *testing.T) {
	tr := tree.New(8, tree.PoseidonHasher{}, field.Zero)
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Set(i, leafFromInt(int64(i+100))))
	}
	for i := 0; i < 5; i++ {
		proof, err := tr.Proof(i)
		require.NoError(t, err)
		assert.True(t, tr.Verify(tr.Leaf(i), proof, tr.Root()), "leaf %d", i)
	}
}

func TestVerifyRejectsWrongValue(t *testing.T) {
	tr := tree.New(8, tree.PoseidonHasher{}, field.Zero)
	require.NoError(t, tr.Set(0, leafFromInt(42)))
	proof, err := tr.Proof(0)
	require.NoError(t, err)
	assert.False(t, tr.Verify(leafFromInt(43), proof, tr.Root()))
}

func TestSetOutOfRangeErrors(t *testing.T) {
	tr := tree.New(2, tree.PoseidonHasher{}, field.Zero)
	err := tr.Set(1<<2, leafFromInt(1))
	assert.Error(t, err)
}

func TestStateIndexOfOnlyScansAssignedPrefix(t *testing.T) {
	s := tree.NewState(8, tree.PoseidonHasher{}, field.Zero)
	require.NoError(t, s.Set(0, leafFromInt(1)))
	require.NoError(t, s.Set(1, leafFromInt(2)))

	if _, ok := s.IndexOf(leafFromInt(2)); !ok {
		t.Fatalf("expected to find leaf 2")
	}
	if _, ok := s.IndexOf(field.Zero); ok {
		t.Fatalf("must not find InitialLeaf beyond NextLeaf via IndexOf")
	}
}

func TestResetRestoresEmptyTree(t *testing.T) {
	s := tree.NewState(4, tree.PoseidonHasher{}, field.Zero)
	require.NoError(t, s.Set(0, leafFromInt(7)))
	want := tree.NewState(4, tree.PoseidonHasher{}, field.Zero).Tree.Root()

	s.Reset()
	assert.Equal(t, 0, s.NextLeaf)
	assert.Equal(t, want, s.Tree.Root())
}

func TestKeccak256HasherDiffersFromPoseidon(t *testing.T) {
	a := tree.PoseidonHasher{}.HashChildren(leafFromInt(1), leafFromInt(2))
	b := tree.Keccak256Hasher{}.HashChildren(leafFromInt(1), leafFromInt(2))
	assert.NotEqual(t, a, b)
}
