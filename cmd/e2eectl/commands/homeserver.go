package commands

import (
	"sentinal-e2ee/internal/server"

	"github.com/spf13/cobra"
)

func homeserverCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "homeserver",
		Short: "Run the key directory homeserver until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				appCfg.AppPort = port
			}
			srv, cleanup, err := server.Build(cmd.Context(), appCfg, appLog)
			if err != nil {
				return err
			}
			defer cleanup()
			return srv.Start()
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default APP_PORT)")
	return cmd
}
