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

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFS_PutGet(t *testing.T) {
	s, err := NewFS(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	key := "attachments/0123abcd.png"

	if err := s.PutObject(ctx, key, []byte("png"), "image/png", "inline"); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	data, info, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, []byte("png")) {
		t.Errorf("data = %q", data)
	}
	if info.MimeType != "image/png" || info.Disposition != "inline" || info.Size != 3 {
		t.Errorf("info = %+v", info)
	}

	// Same key again is a no-op.
	if err := s.PutObject(ctx, key, []byte("other"), "text/plain", "attachment"); err != nil {
		t.Fatalf("second PutObject: %v", err)
	}
	data, _, _ = s.Get(ctx, key)
	if string(data) != "png" {
		t.Errorf("object overwritten: %q", data)
	}

	entries, _ := os.ReadDir(filepath.Join(s.root, "attachments"))
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".png" && filepath.Ext(e.Name()) != ".json" {
			t.Errorf("stray file %s", e.Name())
		}
	}
}

func TestFS_Errors(t *testing.T) {
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "/abs/path", "a/../../b", "a//b"} {
		if err := s.PutObject(ctx, key, []byte("x"), "", ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("PutObject(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}

	if _, _, err := s.Get(ctx, "attachments/missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.PutObject(cancelled, "attachments/x.txt", []byte("x"), "", ""); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v", err)
	}
}
