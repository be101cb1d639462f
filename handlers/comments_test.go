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
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/apex/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

const testPagesRoot = "/site/user/pages"

func writeFileAt(t *testing.T, fs afero.Fs, path, content string, modified time.Time) {
	assert := assert.New(t)
	assert.Nil(fs.MkdirAll(filepath.Dir(path), 0755))
	assert.Nil(afero.WriteFile(fs, path, []byte(content), 0644))
	assert.Nil(fs.Chtimes(path, modified, modified))
}

func TestContentLookup(t *testing.T) {
	assert := assert.New(t)

	fs := afero.NewMemMapFs()
	assert.Nil(fs.MkdirAll(filepath.Join(testPagesRoot, "01.blog", "hello-world"), 0755))
	assert.Nil(fs.MkdirAll(filepath.Join(testPagesRoot, "about"), 0755))

	uut := NewFSContentLookup(fs, testPagesRoot)

	type testCase struct {
		route string
		found bool
		dir   string
	}
	cases := []testCase{
		{route: "/about", found: true, dir: filepath.Join(testPagesRoot, "about")},
		{route: "/blog", found: true, dir: filepath.Join(testPagesRoot, "01.blog")},
		{
			route: "/blog/hello-world/",
			found: true,
			dir:   filepath.Join(testPagesRoot, "01.blog", "hello-world"),
		},
		{route: "/", found: true, dir: testPagesRoot},
		{route: "/missing", found: false},
		{route: "/blog/../about", found: false},
	}
	for _, oneCase := range cases {
		page, found, err := uut.Find(oneCase.route)
		assert.Nil(err, oneCase.route)
		assert.Equal(oneCase.found, found, oneCase.route)
		if oneCase.found {
			assert.Equal(oneCase.dir, page.Dir, oneCase.route)
			assert.Equal(oneCase.route, page.Route)
		}
	}
}

func TestCommentsHandler(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fs := afero.NewMemMapFs()
	pageDir := filepath.Join(testPagesRoot, "01.blog-post-1")
	assert.Nil(fs.MkdirAll(pageDir, 0755))

	// Case 0: missing config
	{
		_, err := NewCommentsFactory(fs)(Config{})
		assert.NotNil(err)
		_, err = NewCommentsFactory(fs)(Config{"pages_root": 12})
		assert.NotNil(err)
	}

	h, err := NewCommentsFactory(fs)(Config{"pages_root": testPagesRoot})
	assert.Nil(err)
	uut := h.(*commentsHandler)
	now := time.Unix(1700000500, 0)
	uut.now = func() time.Time { return now }
	assert.Equal("comments", uut.EventType())
	assert.Equal(testPagesRoot, uut.Configuration()["pages_root"])

	// Case 1: no comment file yet
	{
		targets, err := uut.WatchTargets("/blog-post-1")
		assert.Nil(err)
		assert.Empty(targets)
		event, err := uut.DetectChange("/blog-post-1", 0)
		assert.Nil(err)
		assert.Nil(event)
		snap, err := uut.Snapshot("/blog-post-1")
		assert.Nil(err)
		assert.Equal(0, snap["count"])
		assert.Equal("initial", snap["type"])
	}

	// Case 2: unknown route
	{
		targets, err := uut.WatchTargets("/unknown")
		assert.Nil(err)
		assert.Empty(targets)
		snap, err := uut.Snapshot("/unknown")
		assert.Nil(err)
		assert.Nil(snap)
	}

	commentPath := filepath.Join(pageDir, "comments.yaml")
	writeFileAt(t, fs, commentPath, `comments:
  - author: alice
    text: first
  - author: bob
    text: second
    published: true
  - author: eve
    text: spam
    published: false
`, time.Unix(1700000000, 0))

	// Case 3: comment file appears
	{
		targets, err := uut.WatchTargets("/blog-post-1")
		assert.Nil(err)
		assert.Equal([]string{commentPath}, targets)
		event, err := uut.DetectChange("/blog-post-1", 0)
		assert.Nil(err)
		assert.NotNil(event)
		assert.EqualValues(1700000000, event.Watermark)
		assert.Equal(2, event.Payload["count"])
		assert.Equal("update", event.Payload["type"])
		assert.Equal("/blog-post-1", event.Payload["route"])
		assert.EqualValues(1700000500, event.Payload["timestamp"])
	}

	// Case 4: no change since the watermark
	{
		event, err := uut.DetectChange("/blog-post-1", 1700000000)
		assert.Nil(err)
		assert.Nil(event)
		event, err = uut.DetectChange("/blog-post-1", 1700000000)
		assert.Nil(err)
		assert.Nil(event)
	}

	// Case 5: client query
	{
		resp, err := uut.HandleClientMessage("get_count", nil, "/blog-post-1")
		assert.Nil(err)
		assert.Equal("count", resp["type"])
		assert.Equal(2, resp["count"])
		resp, err = uut.HandleClientMessage("unknown", nil, "/blog-post-1")
		assert.Nil(err)
		assert.Nil(resp)
	}

	// Case 6: malformed comment file
	{
		writeFileAt(t, fs, commentPath, "comments: [", time.Unix(1700000100, 0))
		event, err := uut.DetectChange("/blog-post-1", 1700000000)
		assert.NotNil(err)
		assert.Nil(event)
	}
}

func TestPagesHandler(t *testing.T) {
	assert := assert.New(t)

	fs := afero.NewMemMapFs()
	pageDir := filepath.Join(testPagesRoot, "docs")
	writeFileAt(t, fs, filepath.Join(pageDir, "default.md"), "# Docs", time.Unix(1700000000, 0))
	writeFileAt(t, fs, filepath.Join(pageDir, "default.fr.md"), "# Docs", time.Unix(1700000100, 0))
	writeFileAt(t, fs, filepath.Join(pageDir, "image.png"), "png", time.Unix(1700000900, 0))

	h, err := NewPagesFactory(fs)(Config{"pages_root": testPagesRoot})
	assert.Nil(err)
	uut := h.(*pagesHandler)
	uut.now = func() time.Time { return time.Unix(1700001000, 0) }
	assert.Equal("pages", uut.EventType())

	// Case 1: watch targets only include content files
	{
		targets, err := uut.WatchTargets("/docs")
		assert.Nil(err)
		assert.Equal([]string{
			filepath.Join(pageDir, "default.fr.md"), filepath.Join(pageDir, "default.md"),
		}, targets)
	}

	// Case 2: change detection
	{
		event, err := uut.DetectChange("/docs", 1700000050)
		assert.Nil(err)
		assert.NotNil(event)
		assert.EqualValues(1700000100, event.Watermark)
		assert.Equal([]string{"default.fr.md"}, event.Payload["files"])
		event, err = uut.DetectChange("/docs", event.Watermark)
		assert.Nil(err)
		assert.Nil(event)
	}

	// Case 3: client query
	{
		resp, err := uut.HandleClientMessage("get_modified", nil, "/docs")
		assert.Nil(err)
		assert.EqualValues(1700000100, resp["modified"])
		resp, err = uut.HandleClientMessage("get_modified", nil, "/nothing")
		assert.Nil(err)
		assert.Nil(resp)
	}

	// Case 4: custom extensions
	{
		h, err := NewPagesFactory(fs)(Config{
			"pages_root": testPagesRoot, "extensions": []interface{}{"png"},
		})
		assert.Nil(err)
		targets, err := h.WatchTargets("/docs")
		assert.Nil(err)
		assert.Equal([]string{filepath.Join(pageDir, "image.png")}, targets)
		_, err = NewPagesFactory(fs)(Config{"pages_root": testPagesRoot, "extensions": "md"})
		assert.NotNil(err)
	}
}

func TestBuildRegistry(t *testing.T) {
	assert := assert.New(t)

	fs := afero.NewMemMapFs()

	// Case 1: build from settings
	{
		uut, err := BuildRegistry(map[string]common.HandlerSetting{
			"comments": {Type: "comments", PagesRoot: testPagesRoot},
			"docs": {
				Type:      "pages",
				PagesRoot: testPagesRoot,
				Options:   map[string]interface{}{"extensions": []interface{}{".md"}},
			},
		}, fs)
		assert.Nil(err)
		listed := []string{}
		for name, record := range uut.List() {
			listed = append(listed, name)
			assert.True(record.Lazy())
			assert.Equal(testPagesRoot, record.Config["pages_root"])
		}
		assert.Equal([]string{"comments", "docs"}, listed)
		h, err := uut.Get("docs")
		assert.Nil(err)
		assert.Equal("pages", h.EventType())
	}

	// Case 2: unknown type
	{
		_, err := BuildRegistry(map[string]common.HandlerSetting{
			"videos": {Type: "videos", PagesRoot: testPagesRoot},
		}, fs)
		assert.NotNil(err)
	}
}
