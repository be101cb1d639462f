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
	"os"
	"path/filepath"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// CommentsEventType event type of the comment count handler
const CommentsEventType = "comments"

// commentEntry one comment in a page's comment file
type commentEntry struct {
	Author    string `yaml:"author"`
	Text      string `yaml:"text"`
	Date      string `yaml:"date"`
	Published *bool  `yaml:"published"`
}

// commentFile the page's comment file content
type commentFile struct {
	Comments []commentEntry `yaml:"comments"`
}

// commentsHandler watches the comment file of pages and reports comment count changes
type commentsHandler struct {
	common.Component
	cfg         Config
	fs          afero.Fs
	lookup      ContentLookup
	commentFile string
	now         func() time.Time
}

// NewCommentsFactory define a Factory for the comment count handler
//
// Config keys: "pages_root" (required), "comments_file" (default "comments.yaml").
func NewCommentsFactory(fs afero.Fs) Factory {
	return func(cfg Config) (Handler, error) {
		root, err := readStringOption(cfg, "pages_root", "")
		if err != nil {
			return nil, err
		}
		if root == "" {
			return nil, fmt.Errorf("comments handler requires 'pages_root'")
		}
		fileName, err := readStringOption(cfg, "comments_file", "comments.yaml")
		if err != nil {
			return nil, err
		}
		return &commentsHandler{
			Component: common.Component{
				LogTags: log.Fields{"module": "handlers", "component": "comments", "instance": root},
			},
			cfg:         cfg,
			fs:          fs,
			lookup:      NewFSContentLookup(fs, root),
			commentFile: fileName,
			now:         time.Now,
		}, nil
	}
}

// WatchTargets the comment file of the route's page, if it exists
func (h *commentsHandler) WatchTargets(route string) ([]string, error) {
	page, found, err := h.lookup.Find(route)
	if err != nil || !found {
		return []string{}, err
	}
	target := filepath.Join(page.Dir, h.commentFile)
	exists, err := afero.Exists(h.fs, target)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []string{}, nil
	}
	return []string{target}, nil
}

// DetectChange report the current comment count if the comment file changed after since
func (h *commentsHandler) DetectChange(route string, since int64) (*ChangeEvent, error) {
	targets, err := h.WatchTargets(route)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}
	maxModified, err := latestModification(h.fs, targets)
	if err != nil {
		return nil, err
	}
	if maxModified <= since {
		return nil, nil
	}
	count, err := h.countPublished(targets[0])
	if err != nil {
		return nil, err
	}
	log.WithFields(h.LogTags).Debugf("Comment file of '%s' changed, %d comments", route, count)
	return &ChangeEvent{
		Watermark: maxModified,
		Payload: map[string]interface{}{
			"type":      "update",
			"route":     route,
			"count":     count,
			"timestamp": h.now().Unix(),
			"modified":  maxModified,
		},
	}, nil
}

// Snapshot the current comment count
func (h *commentsHandler) Snapshot(route string) (map[string]interface{}, error) {
	count, found, err := h.currentCount(route)
	if err != nil || !found {
		return nil, err
	}
	return map[string]interface{}{
		"type":      "initial",
		"route":     route,
		"count":     count,
		"timestamp": h.now().Unix(),
	}, nil
}

// EventType the handler event type
func (h *commentsHandler) EventType() string {
	return CommentsEventType
}

// HandleClientMessage supports "get_count"
func (h *commentsHandler) HandleClientMessage(
	event string, _ map[string]interface{}, route string,
) (map[string]interface{}, error) {
	switch event {
	case "get_count":
		count, found, err := h.currentCount(route)
		if err != nil || !found {
			return nil, err
		}
		return map[string]interface{}{
			"type":      "count",
			"route":     route,
			"count":     count,
			"timestamp": h.now().Unix(),
		}, nil
	default:
		return nil, nil
	}
}

// Configuration the handler configuration
func (h *commentsHandler) Configuration() Config {
	return h.cfg
}

// currentCount count the published comments of a route. A page without a comment file has
// zero comments.
func (h *commentsHandler) currentCount(route string) (int, bool, error) {
	page, found, err := h.lookup.Find(route)
	if err != nil || !found {
		return 0, false, err
	}
	count, err := h.countPublished(filepath.Join(page.Dir, h.commentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return count, true, nil
}

func (h *commentsHandler) countPublished(commentFilePath string) (int, error) {
	content, err := afero.ReadFile(h.fs, commentFilePath)
	if err != nil {
		return 0, err
	}
	var parsed commentFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return 0, fmt.Errorf("unable to parse %s: %w", commentFilePath, err)
	}
	count := 0
	for _, entry := range parsed.Comments {
		if entry.Published == nil || *entry.Published {
			count++
		}
	}
	return count, nil
}

// ========================================================================================
// Helpers shared by the file based handlers

// latestModification the newest modification time of a set of files, in unix seconds
func latestModification(fs afero.Fs, paths []string) (int64, error) {
	var latest int64
	for _, path := range paths {
		info, err := fs.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if modified := info.ModTime().Unix(); modified > latest {
			latest = modified
		}
	}
	return latest, nil
}

func readStringOption(cfg Config, key string, defaultValue string) (string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return defaultValue, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("option '%s' must be a string, got %T", key, raw)
	}
	return value, nil
}
