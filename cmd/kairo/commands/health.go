package commands

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates `kairo health`, used by container health checks.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that a running server answers /health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			server, _ := cmd.Flags().GetString("server")
			if server == "" {
				server = "http://" + localAddress(cfg.Server.Address)
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(server + "/health")
			if err != nil {
				return fmt.Errorf("health check: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check: %s", resp.Status)
			}
			fmt.Print(string(body))
			return nil
		},
	}
	cmd.Flags().StringP("server", "s", "", "server URL (default from config)")
	return cmd
}
