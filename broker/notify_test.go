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

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httppush/core"
	"github.com/alwitt/httppush/push"
	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
)

// recordingNotifier records the notify calls
type recordingNotifier struct {
	lock    sync.Mutex
	calls   []string
	counts  map[string]int
	failing bool
}

func (n *recordingNotifier) Notify(_ context.Context, route string, notifyType string) (int, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%s:%s", route, notifyType))
	if n.failing {
		return 0, fmt.Errorf("dummy error")
	}
	return n.counts[route], nil
}

func (n *recordingNotifier) observed() []string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]string{}, n.calls...)
}

func startTestNATSServer(t *testing.T) *server.Server {
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	assert.Nil(t, err)
	go srv.Start()
	assert.True(t, srv.ReadyForConnections(time.Second*5))
	return srv
}

func TestNotifyListener(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := startTestNATSServer(t)
	defer srv.Shutdown()

	client, err := core.GetNATSClient(core.NATSConnectParams{
		ServerURI:           srv.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer client.Close(context.Background())

	notifier := &recordingNotifier{counts: map[string]int{"blog/post-1": 3}}

	// Case 0: invalid parameters
	{
		_, err := NewNotifyListener(nil, "ut.notify", notifier, time.Second)
		assert.NotNil(err)
		_, err = NewNotifyListener(client.NATs(), "", notifier, time.Second)
		assert.NotNil(err)
	}

	uut, err := NewNotifyListener(client.NATs(), "ut.notify", notifier, time.Second)
	assert.Nil(err)
	assert.Nil(uut.Start())
	assert.NotNil(uut.Start())
	assert.Nil(client.NATs().Flush())

	request := func(body string) push.NotifyReport {
		msg, err := client.NATs().Request("ut.notify", []byte(body), time.Second*2)
		assert.Nil(err)
		var report push.NotifyReport
		assert.Nil(json.Unmarshal(msg.Data, &report))
		return report
	}

	// Case 1: notify with explicit type
	{
		report := request(`{"route": "/blog/post-1", "type": "comment"}`)
		assert.True(report.Success)
		assert.Equal(3, report.Notified)
		assert.Equal("blog/post-1", report.Route)
		assert.Equal([]string{"blog/post-1:comment"}, notifier.observed())
	}

	// Case 2: default type
	{
		report := request(`{"route": "blog/post-2"}`)
		assert.True(report.Success)
		assert.Equal(0, report.Notified)
		assert.Equal(
			[]string{"blog/post-1:comment", "blog/post-2:" + push.DefaultNotifyType},
			notifier.observed(),
		)
	}

	// Case 3: missing route is dropped
	{
		report := request(`{"type": "comment"}`)
		assert.False(report.Success)
		report = request(`not json`)
		assert.False(report.Success)
		assert.Len(notifier.observed(), 2)
	}

	// Case 4: notify failure is reported
	{
		notifier.lock.Lock()
		notifier.failing = true
		notifier.lock.Unlock()
		report := request(`{"route": "blog/post-1"}`)
		assert.False(report.Success)
		assert.Equal("blog/post-1", report.Route)
		assert.Equal("dummy error", report.Error)
	}

	// Case 5: publish without reply subject
	{
		notifier.lock.Lock()
		notifier.failing = false
		notifier.lock.Unlock()
		assert.Nil(client.NATs().Publish("ut.notify", []byte(`{"route": "blog/post-3"}`)))
		assert.Nil(client.NATs().Flush())
		assert.Eventually(func() bool {
			return len(notifier.observed()) == 4
		}, time.Second*2, time.Millisecond*10)
	}

	assert.Nil(uut.Stop())
	assert.Nil(uut.Stop())
}
