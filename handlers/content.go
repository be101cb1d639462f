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
	"regexp"
	"strings"

	"github.com/spf13/afero"
)

// Page a piece of site content resolved from a route
type Page struct {
	// Route is the route the page was resolved from
	Route string
	// Dir is the directory holding the page files
	Dir string
}

// ContentLookup resolves routes to site content
type ContentLookup interface {
	// Find resolve a route. Returns false if the route does not resolve to a page.
	Find(route string) (Page, bool, error)
}

// orderingPrefix matches the folder ordering prefix used by flat-file CMS content trees
// (i.e. "01.blog" serves route segment "blog")
var orderingPrefix = regexp.MustCompile(`^[0-9]+\.`)

// fsContentLookup implements ContentLookup on a content directory tree
type fsContentLookup struct {
	fs   afero.Fs
	root string
}

// NewFSContentLookup define a ContentLookup over the directory tree at root
func NewFSContentLookup(fs afero.Fs, root string) ContentLookup {
	return &fsContentLookup{fs: fs, root: filepath.Clean(root)}
}

// Find resolve a route to the page directory
func (l *fsContentLookup) Find(route string) (Page, bool, error) {
	current := l.root
	trimmed := strings.Trim(route, "/")
	if trimmed != "" {
		for _, segment := range strings.Split(trimmed, "/") {
			if segment == "" || segment == "." || segment == ".." {
				return Page{}, false, nil
			}
			next, found, err := l.findSegment(current, segment)
			if err != nil {
				return Page{}, false, err
			}
			if !found {
				return Page{}, false, nil
			}
			current = next
		}
	}
	exists, err := afero.DirExists(l.fs, current)
	if err != nil {
		return Page{}, false, fmt.Errorf("unable to stat %s: %w", current, err)
	}
	if !exists {
		return Page{}, false, nil
	}
	return Page{Route: route, Dir: current}, true, nil
}

// findSegment locate the child directory of parent serving one route segment
func (l *fsContentLookup) findSegment(parent, segment string) (string, bool, error) {
	direct := filepath.Join(parent, segment)
	exists, err := afero.DirExists(l.fs, direct)
	if err != nil {
		return "", false, fmt.Errorf("unable to stat %s: %w", direct, err)
	}
	if exists {
		return direct, true, nil
	}
	entries, err := afero.ReadDir(l.fs, parent)
	if err != nil {
		return "", false, fmt.Errorf("unable to list %s: %w", parent, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if orderingPrefix.MatchString(name) && orderingPrefix.ReplaceAllString(name, "") == segment {
			return filepath.Join(parent, name), true, nil
		}
	}
	return "", false, nil
}
