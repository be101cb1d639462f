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
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
)

// Record a handler registration
type Record struct {
	// Name is the handler name
	Name string
	// Config is the handler's static configuration
	Config Config
	factory  Factory
	instance Handler
}

// Lazy whether the handler instance is constructed on first use
func (r Record) Lazy() bool {
	return r.factory != nil
}

// Registry maps handler names to handler instances
type Registry struct {
	common.Component
	lock    sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewRegistry define a new empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		Component: common.Component{
			LogTags: log.Fields{"module": "handlers", "component": "registry"},
		},
		records: make(map[string]*Record),
		order:   make([]string, 0),
	}
}

func validateHandlerName(name string) error {
	if len(name) == 0 || strings.ContainsAny(name, "/:") {
		return fmt.Errorf("%w: '%s'", ErrInvalidHandlerName, name)
	}
	return nil
}

// Register register a handler under a name
//
// provider must either be a Handler instance, or a Factory (or a plain function with the
// Factory signature) used to construct the instance on first use.
func (r *Registry) Register(name string, provider interface{}, cfg Config) error {
	if err := validateHandlerName(name); err != nil {
		return err
	}
	record := &Record{Name: name, Config: cfg}
	switch p := provider.(type) {
	case Handler:
		record.instance = p
	case Factory:
		if p == nil {
			return fmt.Errorf("%w: nil factory for '%s'", ErrUnknownHandlerCapability, name)
		}
		record.factory = p
	case func(Config) (Handler, error):
		if p == nil {
			return fmt.Errorf("%w: nil factory for '%s'", ErrUnknownHandlerCapability, name)
		}
		record.factory = p
	default:
		return fmt.Errorf("%w: '%s' given %T", ErrUnknownHandlerCapability, name, provider)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.records[name]; ok {
		return fmt.Errorf("%w: '%s'", ErrDuplicateHandlerName, name)
	}
	r.records[name] = record
	r.order = append(r.order, name)
	log.WithFields(r.LogTags).Infof("Registered handler '%s'", name)
	return nil
}

// Unregister remove a handler. Returns whether something was removed.
//
// Streams already subscribed through the handler stay open, but are no longer polled.
func (r *Registry) Unregister(name string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.records[name]; !ok {
		return false
	}
	delete(r.records, name)
	for idx, entry := range r.order {
		if entry == name {
			r.order = append(r.order[:idx], r.order[idx+1:]...)
			break
		}
	}
	log.WithFields(r.LogTags).Infof("Unregistered handler '%s'", name)
	return true
}

// Has whether a handler is registered under the name
func (r *Registry) Has(name string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.records[name]
	return ok
}

// Get fetch the handler instance, constructing it on first use
func (r *Registry) Get(name string) (Handler, error) {
	r.lock.RLock()
	record, ok := r.records[name]
	if ok && record.instance != nil {
		r.lock.RUnlock()
		return record.instance, nil
	}
	r.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrHandlerNotFound, name)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	// Recheck, the record may have changed while unlocked
	record, ok = r.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrHandlerNotFound, name)
	}
	if record.instance != nil {
		return record.instance, nil
	}
	var instance Handler
	if err := guard(name, "", "construct", func() error {
		var callErr error
		instance, callErr = record.factory(record.Config)
		if callErr == nil && instance == nil {
			callErr = fmt.Errorf("factory returned no instance")
		}
		return callErr
	}); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to construct handler '%s'", name)
		return nil, err
	}
	record.instance = instance
	log.WithFields(r.LogTags).Debugf("Constructed handler '%s'", name)
	return instance, nil
}

// List iterate over the handler registrations in registration order
//
// The sequence works on a snapshot taken when iteration begins, and can be iterated again.
func (r *Registry) List() iter.Seq2[string, Record] {
	return func(yield func(string, Record) bool) {
		r.lock.RLock()
		snapshot := make([]Record, 0, len(r.order))
		for _, name := range r.order {
			snapshot = append(snapshot, *r.records[name])
		}
		r.lock.RUnlock()
		for _, record := range snapshot {
			if !yield(record.Name, record) {
				return
			}
		}
	}
}
