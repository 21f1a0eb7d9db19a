// Package resolve implements krust's `resolve`/`apply` subcommands:
// finding and rewriting `krust://<path>` references inside Kubernetes
// YAML manifests with the actual built image's registry/repo@digest
// string, using gopkg.in/yaml.v2 to walk and re-emit document trees
// instead of a hand-rolled YAML parser.
package resolve

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// KrustPrefix is the scheme krust recognizes inside YAML string values.
const KrustPrefix = "krust://"

// File is one YAML file's path and raw contents.
type File struct {
	Path    string
	Content string
}

// ReadYAMLFiles loads YAML from path, which may be a single file or a
// directory (non-recursive, .yaml/.yml only).
func ReadYAMLFiles(path string) ([]File, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.IsDir() {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return []File{{Path: path, Content: string(content)}}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", path, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		full := filepath.Join(path, entry.Name())
		content, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", full, err)
		}
		files = append(files, File{Path: full, Content: string(content)})
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files found in directory: %s", path)
	}
	return files, nil
}

// FindReferences returns the set of distinct krust:// paths (with the
// prefix stripped) referenced anywhere in content's YAML documents.
func FindReferences(content string) (map[string]struct{}, error) {
	refs := make(map[string]struct{})
	docs, err := splitDocuments(content)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		collectReferences(doc, refs)
	}
	return refs, nil
}

func collectReferences(node interface{}, refs map[string]struct{}) {
	switch v := node.(type) {
	case string:
		if path, ok := strings.CutPrefix(v, KrustPrefix); ok {
			refs[path] = struct{}{}
		}
	case []interface{}:
		for _, item := range v {
			collectReferences(item, refs)
		}
	case map[interface{}]interface{}:
		for _, val := range v {
			collectReferences(val, refs)
		}
	case map[string]interface{}:
		for _, val := range v {
			collectReferences(val, refs)
		}
	}
}

// ReplaceReferences rewrites every krust://<path> value found in
// replacements, leaving any unmatched krust:// reference untouched:
// resolve may be called with only some of a manifest set's images
// already built, so an unresolved reference is not an error.
func ReplaceReferences(content string, replacements map[string]string) (string, error) {
	docs, err := splitDocuments(content)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for i, doc := range docs {
		replaceInValue(doc, replacements)
		encoded, err := yaml.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("re-encoding document %d: %w", i, err)
		}
		if i > 0 {
			out.WriteString("---\n")
		}
		out.Write(encoded)
	}
	return out.String(), nil
}

func replaceInValue(node interface{}, replacements map[string]string) {
	switch v := node.(type) {
	case []interface{}:
		for i, item := range v {
			if s, ok := item.(string); ok {
				if replaced, ok := replaceOne(s, replacements); ok {
					v[i] = replaced
					continue
				}
			}
			replaceInValue(item, replacements)
		}
	case map[interface{}]interface{}:
		for k, val := range v {
			if s, ok := val.(string); ok {
				if replaced, ok := replaceOne(s, replacements); ok {
					v[k] = replaced
					continue
				}
			}
			replaceInValue(val, replacements)
		}
	}
}

func replaceOne(s string, replacements map[string]string) (string, bool) {
	path, ok := strings.CutPrefix(s, KrustPrefix)
	if !ok {
		return s, false
	}
	replacement, ok := replacements[path]
	if !ok {
		return s, false
	}
	return replacement, true
}

// splitDocuments parses content's "---"-separated YAML documents into
// generic interface{} trees, skipping empty documents the way
// multi-document files commonly have (a leading "---" before the
// first real document).
func splitDocuments(content string) ([]interface{}, error) {
	dec := yaml.NewDecoder(strings.NewReader(content))
	var docs []interface{}
	for {
		var doc interface{}
		err := dec.Decode(&doc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
		if doc == nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
