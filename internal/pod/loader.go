// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pod loads MastraPod documents and resolves their resource
// manifest: inline entries, file references, and directory globs, with
// optional live watching of referenced directories.
package pod

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mastra-ai/runtime/internal/config"
	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

// DefaultPattern globs directory entries when the pod does not set one.
const DefaultPattern = "*.yaml"

// Loader resolves pod documents relative to a base directory.
type Loader struct {
	baseDir string
	logger  *slog.Logger
}

// NewLoader creates a loader. baseDir anchors relative file and directory
// references; empty means the process working directory.
func NewLoader(baseDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		baseDir: baseDir,
		logger:  logger.With(slog.String("component", "pod")),
	}
}

// LoadFile parses a MastraPod file and resolves its resources.
func (l *Loader) LoadFile(path string) (*config.Pod, []*api.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &errors.ConfigError{Key: path, Reason: "reading pod file", Cause: err}
	}

	pod, err := config.Parse(data)
	if err != nil {
		return nil, nil, err
	}

	base := l.baseDir
	if base == "" {
		base = filepath.Dir(path)
	}

	resources, err := l.resolve(pod, base)
	if err != nil {
		return nil, nil, err
	}
	return pod, resources, nil
}

// resolve walks the resource entries in order.
func (l *Loader) resolve(pod *config.Pod, base string) ([]*api.Resource, error) {
	var out []*api.Resource
	for i, entry := range pod.Resources {
		truthy, err := config.WhenTruthy(entry.When)
		if err != nil {
			return nil, err
		}
		if !truthy {
			l.logger.Debug("skipping resource entry", slog.Int("index", i), slog.String("when", entry.When))
			continue
		}

		switch {
		case entry.Inline != nil:
			out = append(out, entry.Inline)

		case entry.File != "":
			resources, err := ParseResourceFile(resolvePath(base, entry.File))
			if err != nil {
				return nil, err
			}
			out = append(out, resources...)

		case entry.Directory != "":
			resources, err := l.loadDirectory(resolvePath(base, entry.Directory), entry.Pattern)
			if err != nil {
				return nil, err
			}
			out = append(out, resources...)

		default:
			return nil, &errors.ConfigError{
				Key:    fmt.Sprintf("resources[%d]", i),
				Reason: "entry is neither inline, file, nor directory",
			}
		}
	}
	return out, nil
}

func (l *Loader) loadDirectory(dir, pattern string) ([]*api.Resource, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		matched, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if matched {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, &errors.ConfigError{Key: dir, Reason: "walking resource directory", Cause: err}
	}
	sort.Strings(paths)

	var out []*api.Resource
	for _, path := range paths {
		resources, err := ParseResourceFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, resources...)
	}
	return out, nil
}

// ParseResourceFile decodes a (possibly multi-document) resource file.
func ParseResourceFile(path string) ([]*api.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: path, Reason: "reading resource file", Cause: err}
	}
	return ParseResources(data, path)
}

// ParseResources decodes every document in a YAML stream.
func ParseResources(data []byte, source string) ([]*api.Resource, error) {
	decoder := yaml.NewDecoder(strings.NewReader(string(config.SubstituteEnv(data))))

	var out []*api.Resource
	for {
		var res api.Resource
		err := decoder.Decode(&res)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errors.ConfigError{Key: source, Reason: "invalid resource document", Cause: err}
		}
		if res.Kind == "" {
			continue
		}
		out = append(out, &res)
	}
	return out, nil
}

// Watcher observes the pod's directory references and reports resources
// from added or modified files through the callback. Removed files do not
// delete resources; deletion stays explicit.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// Watch starts watching every directory entry of the pod. The callback
// runs on the watcher goroutine.
func (l *Loader) Watch(pod *config.Pod, base string, onResources func([]*api.Resource)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating directory watcher")
	}

	patterns := make(map[string]string)
	for _, entry := range pod.Resources {
		if entry.Directory == "" {
			continue
		}
		dir := resolvePath(base, entry.Directory)
		pattern := entry.Pattern
		if pattern == "" {
			pattern = DefaultPattern
		}
		patterns[dir] = pattern
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, &errors.ConfigError{Key: dir, Reason: "watching directory", Cause: err}
		}
	}

	w := &Watcher{watcher: fsw, logger: l.logger, done: make(chan struct{})}
	go w.run(patterns, onResources)
	return w, nil
}

func (w *Watcher) run(patterns map[string]string, onResources func([]*api.Resource)) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			dir := filepath.Dir(event.Name)
			pattern, watched := patterns[dir]
			if !watched {
				continue
			}
			rel, err := filepath.Rel(dir, event.Name)
			if err != nil {
				continue
			}
			matched, err := doublestar.Match(pattern, filepath.ToSlash(rel))
			if err != nil || !matched {
				continue
			}
			resources, err := ParseResourceFile(event.Name)
			if err != nil {
				w.logger.Warn("ignoring unparseable resource file",
					slog.String("path", event.Name),
					slog.String("error", err.Error()))
				continue
			}
			if len(resources) > 0 {
				onResources(resources)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("directory watch error", slog.String("error", err.Error()))

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func resolvePath(base, path string) string {
	if filepath.IsAbs(path) || base == "" {
		return path
	}
	return filepath.Join(base, path)
}
