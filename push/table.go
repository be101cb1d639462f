// Copyright 2022 The httppush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package push

import (
	"fmt"
	"sort"
)

// connectionTable holds a worker's open connections, and the subscription index fanning
// subscription keys out to connection IDs. Both are only changed together.
type connectionTable struct {
	connections   map[string]*Connection
	subscriptions map[SubscriptionKey]map[string]struct{}
}

func newConnectionTable() *connectionTable {
	return &connectionTable{
		connections:   make(map[string]*Connection),
		subscriptions: make(map[SubscriptionKey]map[string]struct{}),
	}
}

// add record a connection and subscribe it to its key
func (t *connectionTable) add(conn *Connection) error {
	if _, ok := t.connections[conn.ID]; ok {
		return fmt.Errorf("connection %s already recorded", conn.ID)
	}
	t.connections[conn.ID] = conn
	subscribers, ok := t.subscriptions[conn.Key]
	if !ok {
		subscribers = make(map[string]struct{})
		t.subscriptions[conn.Key] = subscribers
	}
	subscribers[conn.ID] = struct{}{}
	return nil
}

// remove drop a connection and its subscription. A key left without subscribers is
// deleted.
func (t *connectionTable) remove(id string) (*Connection, bool) {
	conn, ok := t.connections[id]
	if !ok {
		return nil, false
	}
	delete(t.connections, id)
	if subscribers, ok := t.subscriptions[conn.Key]; ok {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(t.subscriptions, conn.Key)
		}
	}
	return conn, true
}

func (t *connectionTable) get(id string) (*Connection, bool) {
	conn, ok := t.connections[id]
	return conn, ok
}

func (t *connectionTable) size() int {
	return len(t.connections)
}

// countByAddress number of open connections from a client address
func (t *connectionTable) countByAddress(clientAddr string) int {
	count := 0
	for _, conn := range t.connections {
		if conn.ClientAddr == clientAddr {
			count++
		}
	}
	return count
}

// all the open connections, oldest first
func (t *connectionTable) all() []*Connection {
	result := make([]*Connection, 0, len(t.connections))
	for _, conn := range t.connections {
		result = append(result, conn)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// keys the subscription keys with at least one subscriber
func (t *connectionTable) keys() []SubscriptionKey {
	result := make([]SubscriptionKey, 0, len(t.subscriptions))
	for key := range t.subscriptions {
		result = append(result, key)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result
}

// subscribers the connections subscribed to a key
func (t *connectionTable) subscribers(key SubscriptionKey) []*Connection {
	ids, ok := t.subscriptions[key]
	if !ok {
		return nil
	}
	result := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := t.connections[id]; ok {
			result = append(result, conn)
		}
	}
	return result
}

func (t *connectionTable) subscriberCount(key SubscriptionKey) int {
	return len(t.subscriptions[key])
}
