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

// Package errors defines the sequencer's error taxonomy (§7) and wraps
// lower-level errors (database/sql, chain RPC) into it, following the
// same WrapError pattern the teacher uses to wrap storage errors before
// they reach a transport.
package errors

import (
	"database/sql"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/transparency-dev/identity-sequencer/store"
	"github.com/transparency-dev/identity-sequencer/treelock"
)

// Sentinel taxonomy errors. Each is associated with a codes.Code via
// CodeOf, which the HTTP layer maps to a status code at the edge; the
// core packages never import net/http.
var (
	ErrInvalidGroupID        = status.Error(codes.InvalidArgument, "invalid group id")
	ErrInvalidCommitment     = status.Error(codes.InvalidArgument, "commitment equals initial leaf value")
	ErrUnreducedCommitment   = status.Error(codes.InvalidArgument, "commitment not reduced modulo the field characteristic")
	ErrDuplicateCommitment   = status.Error(codes.AlreadyExists, "commitment already inserted or pending")
	ErrIdentityNotFound      = status.Error(codes.NotFound, "identity commitment not found")
	ErrRootMismatch          = status.Error(codes.FailedPrecondition, "local root does not match any valid on-chain root")
	ErrLockTimeout           = status.Error(codes.DeadlineExceeded, "tree lock acquisition timed out")
	ErrInterrupted           = status.Error(codes.Canceled, "startup interrupted by shutdown")
	ErrTransientChain        = status.Error(codes.Unavailable, "transient chain error")
	ErrTransientDatabase     = status.Error(codes.Unavailable, "transient database error")
)

// WrapError normalizes err into the taxonomy above. gRPC-status errors
// and already-wrapped taxonomy errors pass through unchanged; everything
// else is inspected for well-known causes (missing rows, lock timeout,
// duplicate commitment) and otherwise passed through as-is, exactly as
// the teacher's own WrapError treats unrecognized errors as opaque.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateCommitment):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, treelock.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return err
	}
}

// CodeOf extracts the gRPC status code WrapError would assign to err,
// defaulting to codes.Unknown for errors with no recognizable status.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(WrapError(err)); ok {
		return s.Code()
	}
	return codes.Unknown
}
