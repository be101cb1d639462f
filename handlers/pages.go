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
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
	"github.com/spf13/afero"
)

// PagesEventType event type of the page change handler
const PagesEventType = "pages"

// pagesHandler watches the content files of pages and reports page modifications
type pagesHandler struct {
	common.Component
	cfg        Config
	fs         afero.Fs
	lookup     ContentLookup
	extensions map[string]bool
	now        func() time.Time
}

// NewPagesFactory define a Factory for the page change handler
//
// Config keys: "pages_root" (required), "extensions" (default [".md"]).
func NewPagesFactory(fs afero.Fs) Factory {
	return func(cfg Config) (Handler, error) {
		root, err := readStringOption(cfg, "pages_root", "")
		if err != nil {
			return nil, err
		}
		if root == "" {
			return nil, fmt.Errorf("pages handler requires 'pages_root'")
		}
		extensions := map[string]bool{".md": true}
		if raw, ok := cfg["extensions"]; ok && raw != nil {
			list, ok := raw.([]interface{})
			if !ok {
				return nil, fmt.Errorf("option 'extensions' must be a list, got %T", raw)
			}
			extensions = map[string]bool{}
			for _, entry := range list {
				ext, ok := entry.(string)
				if !ok {
					return nil, fmt.Errorf("option 'extensions' entries must be strings")
				}
				if !strings.HasPrefix(ext, ".") {
					ext = "." + ext
				}
				extensions[strings.ToLower(ext)] = true
			}
		}
		return &pagesHandler{
			Component: common.Component{
				LogTags: log.Fields{"module": "handlers", "component": "pages", "instance": root},
			},
			cfg:        cfg,
			fs:         fs,
			lookup:     NewFSContentLookup(fs, root),
			extensions: extensions,
			now:        time.Now,
		}, nil
	}
}

// WatchTargets the content files of the route's page
func (h *pagesHandler) WatchTargets(route string) ([]string, error) {
	page, found, err := h.lookup.Find(route)
	if err != nil || !found {
		return []string{}, err
	}
	entries, err := afero.ReadDir(h.fs, page.Dir)
	if err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if h.extensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			targets = append(targets, filepath.Join(page.Dir, entry.Name()))
		}
	}
	sort.Strings(targets)
	return targets, nil
}

// DetectChange report the page files modified after since
func (h *pagesHandler) DetectChange(route string, since int64) (*ChangeEvent, error) {
	targets, err := h.WatchTargets(route)
	if err != nil {
		return nil, err
	}
	var latest int64
	changed := []string{}
	for _, target := range targets {
		info, err := h.fs.Stat(target)
		if err != nil {
			return nil, err
		}
		modified := info.ModTime().Unix()
		if modified > since {
			changed = append(changed, filepath.Base(target))
		}
		if modified > latest {
			latest = modified
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return &ChangeEvent{
		Watermark: latest,
		Payload: map[string]interface{}{
			"type":      "page_changed",
			"route":     route,
			"modified":  latest,
			"timestamp": h.now().Unix(),
			"files":     changed,
		},
	}, nil
}

// EventType the handler event type
func (h *pagesHandler) EventType() string {
	return PagesEventType
}

// HandleClientMessage supports "get_modified"
func (h *pagesHandler) HandleClientMessage(
	event string, _ map[string]interface{}, route string,
) (map[string]interface{}, error) {
	if event != "get_modified" {
		return nil, nil
	}
	targets, err := h.WatchTargets(route)
	if err != nil || len(targets) == 0 {
		return nil, err
	}
	latest, err := latestModification(h.fs, targets)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type":      "modified",
		"route":     route,
		"modified":  latest,
		"timestamp": h.now().Unix(),
	}, nil
}

// Configuration the handler configuration
func (h *pagesHandler) Configuration() Config {
	return h.cfg
}
