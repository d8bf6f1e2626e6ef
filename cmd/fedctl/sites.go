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
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bcem/federation/internal/site"
)

func newSitesCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Maintain the federation site registry",
	}
	cmd.AddCommand(
		newSitesListCommand(e),
		newSitesAddCommand(e),
		newSitesDeleteCommand(e),
	)
	return cmd
}

func newSitesListCommand(e *env) *cobra.Command {
	var (
		page, size, status int
		keyword            string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, closeFn, err := e.registry(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			q := site.ListQuery{Page: page, PageSize: size, Keyword: keyword}
			if cmd.Flags().Changed("status") {
				q.Status = &status
			}
			res, err := reg.List(cmd.Context(), q)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDOMAIN\tNAME\tAPI\tSTATUS\tSORT")
			for _, s := range res.List {
				state := "enabled"
				if s.Status != site.StatusEnabled {
					state = "disabled"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", s.ID, s.Domain, s.Name, s.Host(), state, s.SortOrder)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "page %d/%d, %d site(s)\n", res.Page, max(res.TotalPages, 1), res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&size, "size", 20, "Page size (max 100)")
	cmd.Flags().IntVar(&status, "status", site.StatusEnabled, "Only sites with this status (0 disabled, 1 enabled)")
	cmd.Flags().StringVar(&keyword, "keyword", "", "Filter by domain substring")
	return cmd
}

func newSitesAddCommand(e *env) *cobra.Command {
	var (
		in           site.NewSite
		status, sort int
		generate     bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a peer site",
		Args:  cobra.NoArgs,
		Example: `  fedctl sites add --domain peer.example --key <hex>
  fedctl sites add --domain peer.example --generate-key --api api.peer.example:8443`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if generate {
				if in.SymmetricKey != "" {
					return fmt.Errorf("--key and --generate-key are mutually exclusive")
				}
				key, err := generateKey()
				if err != nil {
					return err
				}
				in.SymmetricKey = key
			}
			if cmd.Flags().Changed("status") {
				in.Status = &status
			}
			if cmd.Flags().Changed("sort") {
				in.SortOrder = &sort
			}

			reg, closeFn, err := e.registry(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			s, err := reg.Add(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "added site %d (%s)\n", s.ID, s.Domain)
			if generate {
				fmt.Fprintf(e.out, "symmetric key: %s\n", s.SymmetricKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Domain, "domain", "", "Peer mail domain (required)")
	cmd.Flags().StringVar(&in.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&in.SymmetricKey, "key", "", "Shared 64-hex key")
	cmd.Flags().BoolVar(&generate, "generate-key", false, "Generate a fresh key and print it")
	cmd.Flags().StringVar(&in.APIHost, "api", "", "Peer API host[:port] (default: the domain)")
	cmd.Flags().IntVar(&status, "status", site.StatusEnabled, "Status (0 disabled, 1 enabled)")
	cmd.Flags().IntVar(&sort, "sort", 0, "Sort order")
	cmd.MarkFlagRequired("domain")
	return cmd
}

func newSitesDeleteCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a peer site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid site id %q", args[0])
			}

			reg, closeFn, err := e.registry(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := reg.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "deleted site %d\n", id)
			return nil
		},
	}
}

// registry loads config and opens the site registry for one command.
func (e *env) registry(cmd *cobra.Command) (*site.Registry, func(), error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	return e.openSites(cmd.Context(), cfg)
}
