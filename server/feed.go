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
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/identity-sequencer/field"
)

// confirmationFrame is one JSON frame of §4.F´'s WebSocket feed.
type confirmationFrame struct {
	GroupID   uint64        `json:"groupId"`
	LeafIndex int           `json:"leafIndex"`
	Root      field.Element `json:"root"`
}

// Feed is component F´: a purely observational WebSocket broadcaster.
// Dropping or never reading from a connection never affects correctness
// invariants — frames for a slow client whose buffer is full are dropped
// rather than allowed to block the chain subscriber that feeds it; the
// connection itself stays open.
type Feed struct {
	groupID  uint64
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan confirmationFrame
}

// NewFeed constructs an empty Feed for the given group.
func NewFeed(groupID uint64) *Feed {
	return &Feed{
		groupID: groupID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same-origin checks are a deployment concern handled by a
			// reverse proxy in front of this service; the feed itself is
			// read-only and carries no credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan confirmationFrame),
	}
}

// HandleWebSocket upgrades the request and streams confirmation frames
// until the client disconnects.
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("server: websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan confirmationFrame, 32)
	f.mu.Lock()
	f.clients[conn] = ch
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		close(ch)
		conn.Close()
	}()

	// Drain any client-sent frames (pings, close) so the connection's
	// read deadline logic keeps working; the feed itself is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for frame := range ch {
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

// Publish is the hook wired to the chain subscriber's OnConfirmed
// callback: it fans out leafIndex/root to every connected client,
// non-blockingly, so a stalled client cannot stall the subscriber.
func (f *Feed) Publish(leafIndex int, root field.Element) {
	frame := confirmationFrame{GroupID: f.groupID, LeafIndex: leafIndex, Root: root}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.clients {
		select {
		case ch <- frame:
		default:
			klog.Warningf("server: dropping confirmation frame for slow websocket client")
		}
	}
}
