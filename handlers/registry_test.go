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

package handlers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// staticHandler minimal Handler used for registry testing
type staticHandler struct {
	cfg Config
}

func (h *staticHandler) WatchTargets(route string) ([]string, error) {
	return []string{route}, nil
}

func (h *staticHandler) DetectChange(route string, since int64) (*ChangeEvent, error) {
	return nil, nil
}

func (h *staticHandler) EventType() string {
	return "static"
}

func (h *staticHandler) HandleClientMessage(
	event string, payload map[string]interface{}, route string,
) (map[string]interface{}, error) {
	return nil, nil
}

func (h *staticHandler) Configuration() Config {
	return h.cfg
}

func TestRegistryRegistration(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry()

	// Case 0: unknown handler
	{
		assert.False(uut.Has("comments"))
		_, err := uut.Get("comments")
		assert.True(errors.Is(err, ErrHandlerNotFound))
	}

	// Case 1: register an instance
	first := &staticHandler{cfg: Config{"id": 1}}
	{
		assert.Nil(uut.Register("comments", first, first.cfg))
		assert.True(uut.Has("comments"))
		h, err := uut.Get("comments")
		assert.Nil(err)
		assert.Same(first, h)
	}

	// Case 2: duplicate name does not change the registry
	{
		second := &staticHandler{cfg: Config{"id": 2}}
		err := uut.Register("comments", second, second.cfg)
		assert.True(errors.Is(err, ErrDuplicateHandlerName))
		h, err := uut.Get("comments")
		assert.Nil(err)
		assert.Same(first, h)
		count := 0
		for range uut.List() {
			count++
		}
		assert.Equal(1, count)
	}

	// Case 3: provider without the capability set
	{
		err := uut.Register("bad", "not a handler", nil)
		assert.True(errors.Is(err, ErrUnknownHandlerCapability))
		err = uut.Register("bad", nil, nil)
		assert.True(errors.Is(err, ErrUnknownHandlerCapability))
		var nilFactory Factory
		err = uut.Register("bad", nilFactory, nil)
		assert.True(errors.Is(err, ErrUnknownHandlerCapability))
		assert.False(uut.Has("bad"))
	}

	// Case 4: invalid names
	{
		for _, name := range []string{"", "a/b", "a:b"} {
			err := uut.Register(name, &staticHandler{}, nil)
			assert.True(errors.Is(err, ErrInvalidHandlerName), name)
		}
	}

	// Case 5: unregister
	{
		assert.True(uut.Unregister("comments"))
		assert.False(uut.Unregister("comments"))
		assert.False(uut.Has("comments"))
		// The name can be used again
		assert.Nil(uut.Register("comments", &staticHandler{}, nil))
	}
}

func TestRegistryLazyConstruction(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRegistry()

	constructed := 0
	factory := Factory(func(cfg Config) (Handler, error) {
		constructed++
		return &staticHandler{cfg: cfg}, nil
	})

	// Case 1: construction happens on first use, once
	{
		assert.Nil(uut.Register("lazy", factory, Config{"key": "value"}))
		assert.Equal(0, constructed)
		first, err := uut.Get("lazy")
		assert.Nil(err)
		second, err := uut.Get("lazy")
		assert.Nil(err)
		assert.Same(first, second)
		assert.Equal(1, constructed)
		assert.Equal("value", first.Configuration()["key"])
	}

	// Case 2: plain functions with the factory signature are accepted
	{
		assert.Nil(uut.Register("plain", func(cfg Config) (Handler, error) {
			return &staticHandler{cfg: cfg}, nil
		}, nil))
		_, err := uut.Get("plain")
		assert.Nil(err)
	}

	// Case 3: failed construction is reported and retried on next use
	{
		attempts := 0
		assert.Nil(uut.Register("failing", Factory(func(cfg Config) (Handler, error) {
			attempts++
			if attempts == 1 {
				return nil, fmt.Errorf("dummy error")
			}
			return &staticHandler{}, nil
		}), nil))
		_, err := uut.Get("failing")
		var runtimeErr *HandlerRuntimeError
		assert.True(errors.As(err, &runtimeErr))
		assert.Equal("failing", runtimeErr.Handler)
		_, err = uut.Get("failing")
		assert.Nil(err)
		assert.Equal(2, attempts)
	}

	// Case 4: panicking construction is contained
	{
		assert.Nil(uut.Register("panicking", Factory(func(cfg Config) (Handler, error) {
			panic("dummy panic")
		}), nil))
		_, err := uut.Get("panicking")
		var runtimeErr *HandlerRuntimeError
		assert.True(errors.As(err, &runtimeErr))
	}

	// Case 5: unregister drops the cached instance
	{
		assert.True(uut.Unregister("lazy"))
		assert.Nil(uut.Register("lazy", factory, nil))
		_, err := uut.Get("lazy")
		assert.Nil(err)
		assert.Equal(2, constructed)
	}
}

func TestRegistryListing(t *testing.T) {
	assert := assert.New(t)

	uut := NewRegistry()
	names := []string{"comments", "pages", "media"}
	for _, name := range names {
		assert.Nil(uut.Register(name, &staticHandler{}, Config{"name": name}))
	}

	// Case 1: registration order, and the sequence can be iterated again
	for itr := 0; itr < 2; itr++ {
		listed := []string{}
		for name, record := range uut.List() {
			listed = append(listed, name)
			assert.Equal(name, record.Config["name"])
			assert.False(record.Lazy())
		}
		assert.Equal(names, listed)
	}

	// Case 2: early stop
	{
		listed := []string{}
		for name := range uut.List() {
			listed = append(listed, name)
			break
		}
		assert.Equal([]string{"comments"}, listed)
	}

	// Case 3: order after unregister
	{
		assert.True(uut.Unregister("pages"))
		listed := []string{}
		for name := range uut.List() {
			listed = append(listed, name)
		}
		assert.Equal([]string{"comments", "media"}, listed)
	}
}

func TestGuardedCalls(t *testing.T) {
	assert := assert.New(t)

	h := &panickyHandler{}

	// Case 1: panic in DetectChange
	{
		event, err := SafeDetectChange("panicky", h, "/route", 0)
		assert.Nil(event)
		var runtimeErr *HandlerRuntimeError
		assert.True(errors.As(err, &runtimeErr))
		assert.Equal("detect-change", runtimeErr.Operation)
		assert.Equal("/route", runtimeErr.Route)
	}

	// Case 2: error in HandleClientMessage
	{
		resp, err := SafeHandleClientMessage("panicky", h, "get", nil, "/route")
		assert.Nil(resp)
		var runtimeErr *HandlerRuntimeError
		assert.True(errors.As(err, &runtimeErr))
		assert.Equal("client-message", runtimeErr.Operation)
	}

	// Case 3: handler without snapshot support
	{
		snap, err := SafeSnapshot("static", &staticHandler{}, "/route")
		assert.Nil(err)
		assert.Nil(snap)
	}
}

type panickyHandler struct {
	staticHandler
}

func (h *panickyHandler) DetectChange(route string, since int64) (*ChangeEvent, error) {
	panic("dummy panic")
}

func (h *panickyHandler) HandleClientMessage(
	event string, payload map[string]interface{}, route string,
) (map[string]interface{}, error) {
	return nil, fmt.Errorf("dummy error")
}
