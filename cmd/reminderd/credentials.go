package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reminderd/internal/admin"
	"reminderd/internal/app"
	"reminderd/internal/config"
	"reminderd/internal/domain"
)

type credentialsView struct {
	Version  uint64                  `json:"version"`
	LoadedAt time.Time               `json:"loaded_at"`
	Entries  []domain.SenderIdentity `json:"entries"`
}

func newCredentialsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect or reload sender credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Load credentials from the store and print them with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(root.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Credentials().Reload(cmd.Context()); err != nil {
				return err
			}
			snap := a.Credentials().Snapshot()
			return writeJSON(cmd.OutOrStdout(), credentialsView{Version: snap.Version(), LoadedAt: snap.LoadedAt(), Entries: snap.Entries()})
		},
	})

	var adminURL string
	reload := &cobra.Command{
		Use:   "reload",
		Short: "Ask the running server to reload credentials through the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(root.ConfigPath).Parse()
			if err != nil {
				return err
			}
			base := adminURL
			if base == "" {
				addr := cfg.Admin.Addr
				if addr == "" {
					addr = admin.DefaultAddr
				}
				base = "http://" + addr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return postReload(ctx, strings.TrimRight(base, "/"), cfg.Admin.Token, cmd.OutOrStdout())
		},
	}
	reload.Flags().StringVar(&adminURL, "admin-url", "", "admin API base URL (default http://<admin.addr>)")
	cmd.AddCommand(reload)
	return cmd
}

func postReload(ctx context.Context, base, token string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/credentials/reload", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = out.Write(body)
	return err
}
