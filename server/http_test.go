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

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/transparency-dev/identity-sequencer/field"
	"github.com/transparency-dev/identity-sequencer/tree"
	"github.com/transparency-dev/identity-sequencer/treelock"
	"github.com/transparency-dev/identity-sequencer/store/memstore"
)

func newTestHTTPServer(t *testing.T) (*HTTPServer, *tree.State) {
	t.Helper()
	s := memstore.New()
	state := tree.NewState(4, tree.PoseidonHasher{}, field.Zero)
	lock := treelock.New(time.Second)
	q := New(s, &fakeChainMgr{}, state, lock, &fakeNotifier{}, groupID)
	return NewHTTPServer(q, nil, nil, nil), state
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleInsertIdentityReturns200OnSuccess(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	rec := postJSON(t, srv, "/insertIdentity", identityRequest{GroupID: groupID, IdentityCommitment: elem(9)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleInsertIdentityReturns409OnDuplicate(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	postJSON(t, srv, "/insertIdentity", identityRequest{GroupID: groupID, IdentityCommitment: elem(9)})
	rec := postJSON(t, srv, "/insertIdentity", identityRequest{GroupID: groupID, IdentityCommitment: elem(9)})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleInsertIdentityReturns400OnInitialLeaf(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	rec := postJSON(t, srv, "/insertIdentity", identityRequest{GroupID: groupID, IdentityCommitment: field.Zero})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleInclusionProofReturns202ThenTransitionsTo200(t *testing.T) {
	srv, state := newTestHTTPServer(t)
	postJSON(t, srv, "/insertIdentity", identityRequest{GroupID: groupID, IdentityCommitment: elem(9)})

	rec := postJSON(t, srv, "/inclusionProof", identityRequest{GroupID: groupID, IdentityCommitment: elem(9)})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status before confirmation = %d, want 202; body=%s", rec.Code, rec.Body.String())
	}

	if err := state.Set(0, elem(9)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rec = postJSON(t, srv, "/inclusionProof", identityRequest{GroupID: groupID, IdentityCommitment: elem(9)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status after confirmation = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}

	var got proofJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Root != state.Tree.Root() {
		t.Fatalf("proof root = %s, want %s", got.Root.Hex(), state.Tree.Root().Hex())
	}
	if len(got.Proof) != state.Tree.Depth() {
		t.Fatalf("proof length = %d, want %d", len(got.Proof), state.Tree.Depth())
	}
}

func TestHandleInclusionProofReturns404ForUnknownCommitment(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	rec := postJSON(t, srv, "/inclusionProof", identityRequest{GroupID: groupID, IdentityCommitment: elem(404)})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body=%s", rec.Code, rec.Body.String())
	}
}
