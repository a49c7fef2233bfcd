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

package pod

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastra-ai/runtime/pkg/api"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFileWithAllEntryForms(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "extra.yaml"), "apiVersion: mastra.ai/v1\nkind: Agent\nmetadata:\n  name: from-file\nspec:\n  instructions: x\n  model:\n    name: m\n")
	writeFile(t, filepath.Join(dir, "res", "a.yaml"), "apiVersion: mastra.ai/v1\nkind: Tool\nmetadata:\n  name: from-dir\nspec:\n  id: t\n  type: http\n  execute:\n    url: http://example.com\n")
	writeFile(t, filepath.Join(dir, "res", "ignored.txt"), "not yaml")

	podFile := filepath.Join(dir, "pod.yaml")
	writeFile(t, podFile, `
apiVersion: mastra.ai/v1
kind: MastraPod
metadata:
  name: demo
resources:
  - apiVersion: mastra.ai/v1
    kind: Agent
    metadata:
      name: inline-agent
    spec:
      instructions: x
      model:
        name: m
  - file: extra.yaml
  - directory: res
    pattern: "*.yaml"
  - file: skipped.yaml
    when: "false"
`)

	loader := NewLoader("", nil)
	pod, resources, err := loader.LoadFile(podFile)
	require.NoError(t, err)
	assert.Equal(t, "demo", pod.Metadata.Name)

	require.Len(t, resources, 3)
	assert.Equal(t, "inline-agent", resources[0].Metadata.Name)
	assert.Equal(t, "from-file", resources[1].Metadata.Name)
	assert.Equal(t, "from-dir", resources[2].Metadata.Name)
}

func TestParseResourcesMultiDocument(t *testing.T) {
	data := []byte(`
apiVersion: mastra.ai/v1
kind: Agent
metadata:
  name: one
spec:
  instructions: x
  model:
    name: m
---
apiVersion: mastra.ai/v1
kind: Agent
metadata:
  name: two
spec:
  instructions: x
  model:
    name: m
`)
	resources, err := ParseResources(data, "test")
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "one", resources[0].Metadata.Name)
	assert.Equal(t, "two", resources[1].Metadata.Name)
}

func TestDirectoryOrderIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b", "a", "c"} {
		writeFile(t, filepath.Join(dir, name+".yaml"),
			"apiVersion: mastra.ai/v1\nkind: Agent\nmetadata:\n  name: "+name+"\nspec:\n  instructions: x\n  model:\n    name: m\n")
	}

	loader := NewLoader("", nil)
	resources, err := loader.loadDirectory(dir, "*.yaml")
	require.NoError(t, err)
	require.Len(t, resources, 3)
	assert.Equal(t, "a", resources[0].Metadata.Name)
	assert.Equal(t, "b", resources[1].Metadata.Name)
	assert.Equal(t, "c", resources[2].Metadata.Name)
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	resDir := filepath.Join(dir, "res")
	require.NoError(t, os.MkdirAll(resDir, 0o755))

	podFile := filepath.Join(dir, "pod.yaml")
	writeFile(t, podFile, "kind: MastraPod\nresources:\n  - directory: res\n")

	loader := NewLoader("", nil)
	pod, _, err := loader.LoadFile(podFile)
	require.NoError(t, err)

	got := make(chan []*api.Resource, 1)
	watcher, err := loader.Watch(pod, dir, func(resources []*api.Resource) {
		select {
		case got <- resources:
		default:
		}
	})
	require.NoError(t, err)
	defer watcher.Close()

	writeFile(t, filepath.Join(resDir, "new.yaml"),
		"apiVersion: mastra.ai/v1\nkind: Agent\nmetadata:\n  name: hot\nspec:\n  instructions: x\n  model:\n    name: m\n")

	select {
	case resources := <-got:
		require.NotEmpty(t, resources)
		assert.Equal(t, "hot", resources[0].Metadata.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported the new file")
	}
}

func TestLoadFileMissing(t *testing.T) {
	loader := NewLoader("", nil)
	_, _, err := loader.LoadFile("/nonexistent/pod.yaml")
	assert.Error(t, err)
}
