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
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/transparency-dev/identity-sequencer/field"
)

// Options configures an Ethereum-backed IdentityManager.
type Options struct {
	// EthereumProvider is the RPC URL of the chain node.
	EthereumProvider string
	// SemaphoreAddress is the 20-byte hex contract address.
	SemaphoreAddress string
	// SigningKey is the 32-byte hex private key used to sign submissions.
	SigningKey string
	// GroupID is the single group identifier this instance serves.
	GroupID uint64
}

// Ethereum is an IdentityManager backed by a live Ethereum JSON-RPC
// connection and a deployed Semaphore-style contract.
type Ethereum struct {
	opts     Options
	client   *ethclient.Client
	contract *boundContract
	signer   *ecdsa.PrivateKey
	chainID  *big.Int

	treeDepth   int
	initialLeaf field.Element
}

var _ IdentityManager = (*Ethereum)(nil)

// Dial connects to opts.EthereumProvider, binds the contract at
// opts.SemaphoreAddress, and reads the group's static parameters.
func Dial(ctx context.Context, opts Options) (*Ethereum, error) {
	client, err := ethclient.DialContext(ctx, opts.EthereumProvider)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %q: %w", opts.EthereumProvider, err)
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(opts.SigningKey))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: parse signing key: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: read chain id: %w", err)
	}
	contract, err := newBoundContract(common.HexToAddress(opts.SemaphoreAddress), client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: bind contract: %w", err)
	}

	e := &Ethereum{opts: opts, client: client, contract: contract, signer: key, chainID: chainID}

	depth, err := contract.merkleTreeDepth(ctx, opts.GroupID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain: read tree depth: %w", err)
	}
	e.treeDepth = int(depth.Int64())
	// The initial leaf value is the Semaphore convention of zero; a
	// non-zero convention would be read from the contract too, but no
	// method exposes it on the ABI surface this package targets.
	e.initialLeaf = field.Zero

	return e, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Close releases the underlying RPC connection.
func (e *Ethereum) Close() { e.client.Close() }

// GroupID implements IdentityManager.
func (e *Ethereum) GroupID() uint64 { return e.opts.GroupID }

// TreeDepth implements IdentityManager.
func (e *Ethereum) TreeDepth() int { return e.treeDepth }

// InitialLeafValue implements IdentityManager.
func (e *Ethereum) InitialLeafValue() field.Element { return e.initialLeaf }

// LatestBlock implements IdentityManager.
func (e *Ethereum) LatestBlock(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

// AssertValidRoot implements IdentityManager. Only the contract's current
// root is accepted; see DESIGN.md for why the historical retention
// window spec.md leaves unspecified is not modeled.
func (e *Ethereum) AssertValidRoot(ctx context.Context, root field.Element) error {
	current, err := e.contract.merkleTreeRoot(ctx, e.opts.GroupID)
	if err != nil {
		return fmt.Errorf("chain: read current root: %w", err)
	}
	if field.FromBigInt(current) != root {
		return &RootMismatchError{Root: root}
	}
	return nil
}

// SubmitInsertion implements IdentityManager.
func (e *Ethereum) SubmitInsertion(ctx context.Context, commitment field.Element) (PendingTx, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(e.signer, e.chainID)
	if err != nil {
		return PendingTx{}, err
	}
	opts.Context = ctx

	tx, err := e.contract.addMember(opts, e.opts.GroupID, commitment.BigInt())
	if err != nil {
		return PendingTx{}, fmt.Errorf("chain: submit insertion: %w", err)
	}
	return PendingTx{TxHash: tx.Hash().Hex(), Commitment: commitment}, nil
}

// ConfirmedInsertions implements IdentityManager.
func (e *Ethereum) ConfirmedInsertions(ctx context.Context, fromBlock uint64, confirmationBlocksDelay uint64) ([]LeafInsertion, uint64, error) {
	latest, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("chain: read latest block: %w", err)
	}
	if latest < confirmationBlocksDelay {
		return nil, fromBlock, nil
	}
	to := latest - confirmationBlocksDelay
	if to <= fromBlock {
		return nil, fromBlock, nil
	}

	logs, err := e.contract.memberAddedLogs(ctx, e.client, e.opts.GroupID, fromBlock+1, to)
	if err != nil {
		return nil, fromBlock, fmt.Errorf("chain: filter logs: %w", err)
	}

	out := make([]LeafInsertion, 0, len(logs))
	for _, l := range logs {
		index, commitment, root, err := e.contract.decodeMemberAdded(l)
		if err != nil {
			return nil, fromBlock, fmt.Errorf("chain: decode event: %w", err)
		}
		out = append(out, LeafInsertion{
			BlockNumber: l.BlockNumber,
			LeafIndex:   int(index.Int64()),
			LeafValue:   field.FromBigInt(commitment),
			RootAfter:   field.FromBigInt(root),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LeafIndex < out[j].LeafIndex
	})
	return out, to, nil
}
