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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/handlers"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPoolParamsFromConfig(t *testing.T) {
	assert := assert.New(t)

	params := PoolParamsFromConfig(common.PushConfig{
		WorkerCount:              3,
		MaxConnectionsPerAddress: 10,
		HeartbeatInterval:        30,
		ConnectionTimeout:        300,
		CheckInterval:            2,
		SendBufferSize:           64,
		WriteTimeout:             10,
		NotifyHandler:            "comments",
	})
	assert.Equal(3, params.WorkerCount)
	assert.Equal(10, params.Worker.MaxConnectionsPerAddress)
	assert.Equal(time.Second*30, params.Worker.HeartbeatInterval)
	assert.Equal(time.Minute*5, params.Worker.ConnectionTimeout)
	assert.Equal(time.Second*2, params.Worker.CheckInterval)
	assert.Equal("comments", params.Worker.NotifyHandler)
}

func TestPool(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := newTestClock(1700000000)
	registry := handlers.NewRegistry()
	assert.Nil(registry.Register("comments", newScriptedHandler(), nil))
	metrics := MustNewMetrics(prometheus.NewRegistry())

	wg := sync.WaitGroup{}
	uut, err := NewPool(
		context.Background(),
		PoolParams{WorkerCount: 3, Worker: testWorkerParams(clock)},
		registry,
		metrics,
		&wg,
	)
	assert.Nil(err)
	assert.Nil(uut.Start())
	defer func() {
		assert.Nil(uut.Stop())
		wg.Wait()
	}()

	// Case 0: invalid worker count
	{
		_, err := NewPool(
			context.Background(),
			PoolParams{WorkerCount: 0, Worker: testWorkerParams(clock)},
			registry,
			nil,
			&wg,
		)
		assert.NotNil(err)
	}

	// Case 1: connections from many addresses spread over the workers
	addresses := []string{}
	for itr := 0; itr < 10; itr++ {
		addresses = append(addresses, fmt.Sprintf("10.0.0.%d", itr))
	}
	connections := []*Connection{}
	for _, addr := range addresses {
		for itr := 0; itr < 2; itr++ {
			conn := NewConnection(SubscriptionKey{Handler: "comments", Route: "/a"}, addr, 8)
			assert.Nil(uut.Admit(context.Background(), conn))
			connections = append(connections, conn)
		}
	}
	{
		stats, err := uut.Stats(context.Background())
		assert.Nil(err)
		assert.Equal(20, stats.TotalConnections)
		assert.Equal(map[string]int{"comments": 20}, stats.Handlers)
		assert.Equal(map[string]int{"comments:/a": 20}, stats.Subscriptions)
		assert.EqualValues(0, stats.Uptime)
		assert.EqualValues(20, testutil.ToFloat64(metrics.connections.WithLabelValues("comments")))
	}

	// Case 2: the per address limit holds across the pool
	{
		for _, addr := range addresses {
			conn := NewConnection(SubscriptionKey{Handler: "comments", Route: "/b"}, addr, 8)
			assert.Equal(ErrRateLimited, uut.Admit(context.Background(), conn))
		}
		assert.EqualValues(10, testutil.ToFloat64(metrics.rejections.WithLabelValues("rate-limit")))
	}

	// Case 3: notify reaches every worker
	{
		count, err := uut.Notify(context.Background(), "a", "update")
		assert.Nil(err)
		assert.Equal(20, count)
		for _, conn := range connections {
			event, _ := readEvent(t, conn)
			assert.Equal(EventConnected, event)
			event, data := readEvent(t, conn)
			assert.Equal(EventUpdate, event)
			assert.Equal("a", data["route"])
		}
		assert.EqualValues(20, testutil.ToFloat64(metrics.eventsSent.WithLabelValues(EventUpdate)))
	}

	// Case 4: uptime
	{
		clock.Advance(time.Second * 30)
		stats, err := uut.Stats(context.Background())
		assert.Nil(err)
		assert.EqualValues(30, stats.Uptime)
	}

	// Case 5: release through the pool
	{
		assert.Nil(uut.Release(context.Background(), connections[0]))
		stats, err := uut.Stats(context.Background())
		assert.Nil(err)
		assert.Equal(19, stats.TotalConnections)
		connections = connections[1:]
	}

	// Case 6: client event routed by address
	{
		result, err := uut.ClientEvent(context.Background(), ClientEvent{
			ClientAddr:   connections[0].ClientAddr,
			Handler:      "comments",
			Route:        "/a",
			Event:        ClientPingEvent,
			ConnectionID: connections[0].ID,
		})
		assert.Nil(err)
		assert.True(result.Refreshed)
	}

	// Case 7: shutdown
	{
		assert.Nil(uut.Shutdown(context.Background(), "Server shutdown"))
		for _, conn := range connections {
			event, _ := readEvent(t, conn)
			assert.Equal(EventShutdown, event)
			<-conn.Closed()
		}
		stats, err := uut.Stats(context.Background())
		assert.Nil(err)
		assert.Equal(0, stats.TotalConnections)
		conn := NewConnection(SubscriptionKey{Handler: "comments", Route: "/a"}, "10.0.1.1", 8)
		assert.Equal(ErrShuttingDown, uut.Admit(context.Background(), conn))
		assert.EqualValues(0, testutil.ToFloat64(metrics.connections.WithLabelValues("comments")))
	}
}
