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
	"sort"

	"github.com/alwitt/httppush/common"
	"github.com/spf13/afero"
)

// FactoryForType get the handler Factory for a configured handler type
func FactoryForType(handlerType string, fs afero.Fs) (Factory, error) {
	switch handlerType {
	case CommentsEventType:
		return NewCommentsFactory(fs), nil
	case PagesEventType:
		return NewPagesFactory(fs), nil
	default:
		return nil, fmt.Errorf("%w: unknown handler type '%s'", ErrUnknownHandlerCapability, handlerType)
	}
}

// BuildRegistry define a registry holding the configured handlers
//
// Handlers are registered lazily in name order; a handler with a bad configuration fails on
// first use rather than here.
func BuildRegistry(settings map[string]common.HandlerSetting, fs afero.Fs) (*Registry, error) {
	registry := NewRegistry()
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		setting := settings[name]
		factory, err := FactoryForType(setting.Type, fs)
		if err != nil {
			return nil, err
		}
		cfg := Config{}
		for k, v := range setting.Options {
			cfg[k] = v
		}
		cfg["pages_root"] = setting.PagesRoot
		if err := registry.Register(name, factory, cfg); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
