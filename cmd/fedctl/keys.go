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

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bcem/federation/internal/fedcrypt"
)

func newKeygenCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new 256-bit federation key",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := generateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, key)
			return nil
		},
	}
}

func newValidateKeyCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "validate-key <hex>",
		Short:   "Check that a key is 64 hexadecimal characters",
		Args:    cobra.ExactArgs(1),
		Example: "  fedctl validate-key $(fedctl keygen)",
		RunE: func(_ *cobra.Command, args []string) error {
			if !fedcrypt.ValidateKey(args[0]) {
				fmt.Fprintln(e.out, "invalid")
				return errors.New("key must be exactly 64 hexadecimal characters")
			}
			fmt.Fprintln(e.out, "valid")
			return nil
		},
	}
}

func generateKey() (string, error) {
	key, err := fedcrypt.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
