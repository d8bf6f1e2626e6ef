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

// Package attachment derives content-addressed storage keys for attachment
// bytes. Both the sending and the receiving site compute the same key for
// the same bytes, so the object store deduplicates across deliveries.
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// KeyPrefix namespaces attachment objects in the object store.
const KeyPrefix = "attachments/"

// AddressOf returns KeyPrefix + hex(sha256(data)) + the lower-cased
// extension of filename ("" when there is none).
func AddressOf(data []byte, filename string) string {
	sum := sha256.Sum256(data)
	return KeyPrefix + hex.EncodeToString(sum[:]) + Ext(filename)
}

// Ext returns the extension of filename including the dot, lower-cased.
// Path components are ignored so "../x.PNG" yields ".png".
func Ext(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := filepath.Ext(base)
	if ext == "." || ext == base {
		return ""
	}
	return strings.ToLower(ext)
}
