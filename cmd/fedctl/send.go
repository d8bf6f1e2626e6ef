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
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bcem/federation/internal/dispatch"
	"github.com/bcem/federation/internal/settings"
)

func newSendCommand(e *env) *cobra.Command {
	var (
		msg     dispatch.Message
		to      []string
		attach  []string
		noStore bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a test message to federated recipients",
		Long: `Send encrypts the message for each recipient's peer site and delivers it
through the peer's receive endpoint. Recipients whose domain is not federated
are reported and skipped.`,
		Args:    cobra.NoArgs,
		Example: "  fedctl send --from ops@home.example --to bob@peer.example --subject ping --text hello",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := e.loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			for _, p := range attach {
				data, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read attachment: %w", err)
				}
				name := filepath.Base(p)
				msg.Attachments = append(msg.Attachments, dispatch.Attachment{
					Filename: name,
					MimeType: mimeOf(name),
					Content:  data,
				})
			}

			var reader settings.ActiveSiteReader
			if !noStore {
				reg, closeFn, err := e.openSites(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer closeFn()
				reader = reg
			}

			provider := settings.NewProvider(cfg.OwnKey, reader, cfg.StaticPeers)
			d := dispatch.New(dispatch.Config{
				Sites:       provider,
				Keys:        provider,
				HTTPClient:  e.httpClient,
				Timeout:     cfg.DeliveryTimeout,
				Concurrency: cfg.Concurrency,
				ReceivePath: cfg.ReceivePath,
			})

			res, err := d.Send(cmd.Context(), msg, to)
			if res != nil {
				for _, r := range res.Delivered {
					fmt.Fprintf(e.out, "delivered  %s\n", r)
				}
				for _, f := range res.Failures {
					fmt.Fprintf(e.out, "failed     %s: %s\n", f.Recipient, f.Reason)
				}
				for _, r := range res.External {
					fmt.Fprintf(e.out, "skipped    %s (not federated)\n", r)
				}
			}
			var derr *dispatch.DeliveryError
			if errors.As(err, &derr) {
				return fmt.Errorf("%d of %d federated recipient(s) failed", len(derr.Failures), len(res.Delivered)+len(derr.Failures))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&msg.From, "from", "", "Sender address (required)")
	cmd.Flags().StringVar(&msg.DisplayName, "name", "", "Sender display name")
	cmd.Flags().StringSliceVar(&to, "to", nil, "Recipient address (repeatable, required)")
	cmd.Flags().StringVar(&msg.Subject, "subject", "", "Subject (required)")
	cmd.Flags().StringVar(&msg.Text, "text", "", "Plain text body")
	cmd.Flags().StringVar(&msg.HTML, "html", "", "HTML body")
	cmd.Flags().StringSliceVar(&attach, "attach", nil, "File to attach (repeatable)")
	cmd.Flags().BoolVar(&noStore, "static-peers", false, "Use only federation.site_list, skip the registry database")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func mimeOf(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
