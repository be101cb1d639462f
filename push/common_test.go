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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httppush/handlers"
	"github.com/stretchr/testify/assert"
)

// testClock manually advanced clock
type testClock struct {
	lock sync.Mutex
	now  time.Time
}

func newTestClock(start int64) *testClock {
	return &testClock{now: time.Unix(start, 0)}
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

// scriptedHandler handler whose changes are set by the test
type scriptedHandler struct {
	lock     sync.Mutex
	changes  map[string]handlers.ChangeEvent
	failing  map[string]bool
	sinces   map[string][]int64
	snapshot map[string]interface{}
}

func newScriptedHandler() *scriptedHandler {
	return &scriptedHandler{
		changes: map[string]handlers.ChangeEvent{},
		failing: map[string]bool{},
		sinces:  map[string][]int64{},
	}
}

func (h *scriptedHandler) setChange(route string, watermark int64, payload map[string]interface{}) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.changes[route] = handlers.ChangeEvent{Watermark: watermark, Payload: payload}
}

func (h *scriptedHandler) setFailing(route string, failing bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.failing[route] = failing
}

func (h *scriptedHandler) setSnapshot(snapshot map[string]interface{}) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.snapshot = snapshot
}

func (h *scriptedHandler) observedSinces(route string) []int64 {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]int64{}, h.sinces[route]...)
}

func (h *scriptedHandler) WatchTargets(route string) ([]string, error) {
	return []string{route}, nil
}

func (h *scriptedHandler) DetectChange(route string, since int64) (*handlers.ChangeEvent, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.sinces[route] = append(h.sinces[route], since)
	if h.failing[route] {
		panic("dummy detection failure")
	}
	change, ok := h.changes[route]
	if !ok || change.Watermark <= since {
		return nil, nil
	}
	return &change, nil
}

func (h *scriptedHandler) Snapshot(route string) (map[string]interface{}, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.snapshot, nil
}

func (h *scriptedHandler) EventType() string {
	return "scripted"
}

func (h *scriptedHandler) HandleClientMessage(
	event string, payload map[string]interface{}, route string,
) (map[string]interface{}, error) {
	switch event {
	case "echo":
		return map[string]interface{}{"route": route, "data": payload}, nil
	case "fail":
		return nil, fmt.Errorf("dummy error")
	default:
		return nil, nil
	}
}

func (h *scriptedHandler) Configuration() handlers.Config {
	return handlers.Config{}
}

// testWorkerParams worker parameters whose timers never fire during a test
func testWorkerParams(clock *testClock) WorkerParams {
	return WorkerParams{
		Name:                     "ut-worker",
		MaxConnectionsPerAddress: 2,
		HeartbeatInterval:        time.Hour,
		ConnectionTimeout:        time.Hour * 2,
		CheckInterval:            time.Hour,
		NotifyHandler:            "comments",
		TaskBuffer:               4,
		Clock:                    clock.Now,
	}
}

// readEvent read the next queued frame of a connection
func readEvent(t *testing.T, conn *Connection) (string, map[string]interface{}) {
	assert := assert.New(t)
	select {
	case frame := <-conn.Outbound():
		lines := strings.Split(string(frame), "\n")
		assert.Len(lines, 4)
		assert.True(strings.HasSuffix(string(frame), "\n\n"))
		assert.True(strings.HasPrefix(lines[0], "event: "))
		assert.True(strings.HasPrefix(lines[1], "data: "))
		data := map[string]interface{}{}
		assert.Nil(json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &data))
		return strings.TrimPrefix(lines[0], "event: "), data
	case <-time.After(time.Second):
		assert.Fail("no frame queued", conn.ID)
		return "", nil
	}
}

// assertNoEvent verify no frame is queued for a connection
func assertNoEvent(t *testing.T, conn *Connection) {
	assert.Equal(t, 0, len(conn.Outbound()), conn.ID)
}

func admitConnection(
	t *testing.T, uut Worker, handler, route, clientAddr string,
) *Connection {
	assert := assert.New(t)
	conn := NewConnection(SubscriptionKey{Handler: handler, Route: route}, clientAddr, 8)
	assert.Nil(uut.Admit(context.Background(), conn))
	event, data := readEvent(t, conn)
	assert.Equal(EventConnected, event)
	assert.Equal("connected", data["status"])
	assert.Equal(handler, data["handler"])
	assert.Equal(route, data["route"])
	assert.Equal(conn.ID, data["connection_id"])
	assert.Equal("scripted", data["event_type"])
	return conn
}
