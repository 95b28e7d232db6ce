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

package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// semaphoreABIJSON declares just the surface this package drives: reading
// the current root and depth, submitting a single insertion, and the
// LeafInsertion event. A full deployment would generate this with abigen
// from the contract's build artifacts; it is written out by hand here so
// the adapter has no build-time dependency on a Solidity toolchain.
const semaphoreABIJSON = `[
	{"type":"function","name":"getMerkleTreeRoot","stateMutability":"view","inputs":[{"name":"groupId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getMerkleTreeDepth","stateMutability":"view","inputs":[{"name":"groupId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"addMember","stateMutability":"nonpayable","inputs":[{"name":"groupId","type":"uint256"},{"name":"identityCommitment","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"MemberAdded","inputs":[{"name":"groupId","type":"uint256","indexed":true},{"name":"index","type":"uint256","indexed":false},{"name":"identityCommitment","type":"uint256","indexed":false},{"name":"merkleTreeRoot","type":"uint256","indexed":false}],"anonymous":false}
]`

// boundContract is a thin, hand-rolled stand-in for what abigen would
// generate: a bind.BoundContract plus the parsed ABI.
type boundContract struct {
	address common.Address
	abi     abi.ABI
	contract *bind.BoundContract
}

func newBoundContract(address common.Address, backend bind.ContractBackend) (*boundContract, error) {
	parsed, err := abi.JSON(strings.NewReader(semaphoreABIJSON))
	if err != nil {
		return nil, err
	}
	return &boundContract{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

func (c *boundContract) merkleTreeRoot(ctx context.Context, groupID uint64) (*big.Int, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "getMerkleTreeRoot", new(big.Int).SetUint64(groupID)); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *boundContract) merkleTreeDepth(ctx context.Context, groupID uint64) (*big.Int, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "getMerkleTreeDepth", new(big.Int).SetUint64(groupID)); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *boundContract) addMember(opts *bind.TransactOpts, groupID uint64, commitment *big.Int) (*types.Transaction, error) {
	return c.contract.Transact(opts, "addMember", new(big.Int).SetUint64(groupID), commitment)
}

// memberAddedLogs filters MemberAdded events in [from, to] for groupID.
func (c *boundContract) memberAddedLogs(ctx context.Context, filterer bind.ContractFilterer, groupID uint64, from, to uint64) ([]types.Log, error) {
	topic := c.abi.Events["MemberAdded"].ID
	groupTopic := common.BigToHash(new(big.Int).SetUint64(groupID))
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{topic}, {groupTopic}},
	}
	return filterer.FilterLogs(ctx, query)
}

// decodeMemberAdded unpacks a MemberAdded log's non-indexed fields.
func (c *boundContract) decodeMemberAdded(log types.Log) (index, identityCommitment, root *big.Int, err error) {
	var event struct {
		Index              *big.Int
		IdentityCommitment *big.Int
		MerkleTreeRoot     *big.Int
	}
	if err := c.abi.UnpackIntoInterface(&event, "MemberAdded", log.Data); err != nil {
		return nil, nil, nil, err
	}
	return event.Index, event.IdentityCommitment, event.MerkleTreeRoot, nil
}
