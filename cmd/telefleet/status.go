package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danhigham/telefleet/internal/server"
	"github.com/danhigham/telefleet/internal/ui"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sessions of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			url, _ := cmd.Flags().GetString("url")
			if url == "" {
				url = baseURL(cfg.HTTP.Addr)
			}
			width, _ := cmd.Flags().GetInt("width")

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(strings.TrimRight(url, "/") + "/api/status")
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("query status: %s", resp.Status)
			}

			var status server.StatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			rows := make([]ui.SessionRow, 0, len(status.Sessions))
			for _, s := range status.Sessions {
				rows = append(rows, ui.SessionRow{Number: s.Number, State: s.State, Since: s.Since})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.StatusView(rows, width, time.Now()))
			return nil
		},
	}
	cmd.Flags().String("url", "", "Server base URL (defaults to http.addr on localhost).")
	cmd.Flags().Int("width", 80, "Output width in cells.")
	return cmd
}

// baseURL turns a listen address into a URL a local client can dial.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
