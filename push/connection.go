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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRateLimited the client address is at its open stream cap
	ErrRateLimited = errors.New("too many connections from client address")
	// ErrShuttingDown the server no longer accepts streams
	ErrShuttingDown = errors.New("server shutting down")
	// ErrSendBufferFull the stream is not draining its frames
	ErrSendBufferFull = errors.New("connection send buffer full")
	// ErrConnectionClosed the stream is already closed
	ErrConnectionClosed = errors.New("connection closed")
	// ErrWorkerStopped the worker event loop is no longer running
	ErrWorkerStopped = errors.New("worker stopped")
)

// SubscriptionKey identifies one broadcast channel
type SubscriptionKey struct {
	Handler string
	Route   string
}

// String canonical form "{handler}:{route}"
func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%s:%s", k.Handler, k.Route)
}

// Connection one open event stream
//
// ID, Key, and ClientAddr are fixed at creation. StartedAt and LastLiveness belong to the
// worker owning the connection, and are only touched from its event loop.
type Connection struct {
	ID           string
	Key          SubscriptionKey
	ClientAddr   string
	StartedAt    time.Time
	LastLiveness time.Time

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnection define a new connection, not yet admitted
func NewConnection(key SubscriptionKey, clientAddr string, bufferSize int) *Connection {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Connection{
		ID:         uuid.NewString(),
		Key:        key,
		ClientAddr: clientAddr,
		outbound:   make(chan []byte, bufferSize),
		closed:     make(chan struct{}),
	}
}

// Outbound the frames queued for the client
func (c *Connection) Outbound() <-chan []byte {
	return c.outbound
}

// Closed closed once the server closed the connection
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// send queue a frame without blocking
func (c *Connection) send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// sendFinal queue the last frame of a stream, dropping the oldest queued frames until it fits.
// Returns the number of frames dropped. Only the owning worker sends, so the loop ends once
// the buffer has room.
func (c *Connection) sendFinal(frame []byte) (int, error) {
	dropped := 0
	for {
		err := c.send(frame)
		if err != ErrSendBufferFull {
			return dropped, err
		}
		select {
		case <-c.outbound:
			dropped++
		default:
		}
	}
}

// close signal the stream writer to finish
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
