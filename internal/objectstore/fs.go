// Copyright (c) 2026 John Earle
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

// Package objectstore keeps attachment bytes on the local filesystem under
// their content-addressed keys. A small JSON sidecar records the MIME type
// and disposition hint given at upload.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys that would escape the root.
var ErrInvalidKey = errors.New("invalid object key")

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("object not found")

const metaSuffix = ".meta.json"

// Info is the metadata stored beside an object.
type Info struct {
	MimeType    string `json:"mimeType"`
	Disposition string `json:"disposition"`
	Size        int64  `json:"size"`
}

// FS stores objects below a root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create object root %s: %w", root, err)
	}
	return &FS{root: root}, nil
}

func (s *FS) path(key string) (string, error) {
	clean := path.Clean(key)
	if key == "" || clean != key || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// PutObject writes data under key. Keys are content addresses, so an
// existing object is left untouched.
func (s *FS) PutObject(ctx context.Context, key string, data []byte, mimeType, disposition string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		slog.Debug("object already stored", "key", key)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	meta, err := json.Marshal(Info{MimeType: mimeType, Disposition: disposition, Size: int64(len(data))})
	if err != nil {
		return fmt.Errorf("marshal object info: %w", err)
	}
	if err := writeAtomic(p+metaSuffix, meta); err != nil {
		return err
	}
	if err := writeAtomic(p, data); err != nil {
		return err
	}
	return nil
}

// Get returns the bytes and metadata stored under key.
func (s *FS) Get(ctx context.Context, key string) ([]byte, *Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read object %s: %w", key, err)
	}

	info := &Info{Size: int64(len(data))}
	if raw, err := os.ReadFile(p + metaSuffix); err == nil {
		if err := json.Unmarshal(raw, info); err != nil {
			return nil, nil, fmt.Errorf("decode object info %s: %w", key, err)
		}
	}
	return data, info, nil
}

// writeAtomic writes via a temp file in the same directory and renames it
// into place, so readers never see a partial object.
func writeAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}
