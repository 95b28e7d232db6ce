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
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/transparency-dev/identity-sequencer/field"
	serrors "github.com/transparency-dev/identity-sequencer/server/errors"
	"github.com/transparency-dev/identity-sequencer/tree"
)

// HTTPServer wires Query (and the optional WebSocket feed) onto a
// net/http.ServeMux. Within the core, net/http is imported only by this
// file, feed.go and metrics.go; every response is JSON, matching §6.
type HTTPServer struct {
	query    *Query
	feed     *Feed
	health   *Health
	metrics  *Metrics
	mux      *http.ServeMux
}

// NewHTTPServer builds the full HTTP surface: insertIdentity,
// inclusionProof, the metrics and healthz endpoints, and (if feed is
// non-nil) the WebSocket confirmation stream.
func NewHTTPServer(q *Query, feed *Feed, health *Health, metrics *Metrics) *HTTPServer {
	s := &HTTPServer{query: q, feed: feed, health: health, metrics: metrics, mux: http.NewServeMux()}
	s.mux.HandleFunc("/insertIdentity", s.handleInsertIdentity)
	s.mux.HandleFunc("/inclusionProof", s.handleInclusionProof)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	if metrics != nil {
		s.mux.Handle("/metrics", metrics.Handler())
	}
	if feed != nil {
		s.mux.HandleFunc("/ws/confirmations", feed.HandleWebSocket)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type identityRequest struct {
	GroupID            uint64        `json:"groupId"`
	IdentityCommitment field.Element `json:"identityCommitment"`
}

func (s *HTTPServer) handleInsertIdentity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, serrors.ErrInvalidCommitment)
		return
	}

	err := s.query.InsertIdentity(r.Context(), req.GroupID, req.IdentityCommitment)
	if s.metrics != nil {
		s.metrics.ObserveInsertIdentity(time.Since(start), err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *HTTPServer) handleInclusionProof(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, serrors.ErrInvalidCommitment)
		return
	}

	status, proof, err := s.query.InclusionProof(r.Context(), req.GroupID, req.IdentityCommitment)
	if s.metrics != nil {
		s.metrics.ObserveInclusionProof(time.Since(start), err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	switch status {
	case Committed:
		writeJSON(w, http.StatusOK, proofResponse(proof))
	case Pending:
		writeJSON(w, http.StatusAccepted, "pending")
	default:
		writeError(w, serrors.ErrIdentityNotFound)
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.health.Check(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// siblingJSON renders a tree.SiblingHash as the spec's tagged object,
// {"Left": Hex} or {"Right": Hex}, rather than a {side, hash} pair.
type siblingJSON tree.SiblingHash

func (s siblingJSON) MarshalJSON() ([]byte, error) {
	key := "Right"
	if s.Side == tree.Left {
		key = "Left"
	}
	return json.Marshal(map[string]field.Element{key: s.Hash})
}

type proofJSON struct {
	Root  field.Element `json:"root"`
	Proof []siblingJSON `json:"proof"`
}

func proofResponse(p *Proof) proofJSON {
	out := proofJSON{Root: p.Root, Proof: make([]siblingJSON, len(p.Path))}
	for i, sib := range p.Path {
		out.Proof[i] = siblingJSON(sib)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		_, _ = w.Write([]byte("null"))
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := serrors.CodeOf(err)
	writeJSON(w, httpStatusFor(code), map[string]string{"error": err.Error()})
}

func httpStatusFor(c codes.Code) int {
	switch c {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.DeadlineExceeded:
		return http.StatusInternalServerError
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
