package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinal-e2ee/internal/machine"
	"sentinal-e2ee/internal/outbox"
	"sentinal-e2ee/internal/transport/client"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func deviceCmd() *cobra.Command {
	var (
		user         string
		password     string
		deviceID     string
		homeserver   string
		crossSigning bool
		track        []string
		watch        bool
		interval     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Log a device in to a homeserver and publish its keys",
		Long: "Logs in over HTTP, uploads the device keys (and cross-signing keys with --cross-signing)\n" +
			"and prints the resulting identity. With --watch the device keeps syncing until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if homeserver == "" {
				homeserver = appCfg.HomeserverURL
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := client.New(homeserver, nil)
			login, err := c.Login(ctx, user, password, deviceID)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			l := appLog.With(zap.String("user_id", login.UserID), zap.String("device_id", login.DeviceID))

			m, err := machine.New(login.UserID, login.DeviceID, machine.Options{Log: l})
			if err != nil {
				return err
			}
			p := outbox.NewProcessor(m, c, interval, l)

			if err := m.UpdateTrackedUsers(ctx, append([]string{login.UserID}, track...)); err != nil {
				return err
			}
			if crossSigning {
				if _, err := m.BootstrapCrossSigning(ctx, false); err != nil {
					return err
				}
			}
			if err := p.Settle(ctx, 5); err != nil {
				return err
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			if err := out.Encode(map[string]any{
				"user_id":       login.UserID,
				"device_id":     login.DeviceID,
				"keys":          m.IdentityKeys(),
				"cross_signing": m.CrossSigningStatus(),
			}); err != nil {
				return err
			}

			if !watch {
				return logout(c)
			}
			p.OnEvents = func(events []machine.ProcessedToDeviceEvent) {
				for _, e := range events {
					l.Logger.Info("to-device event",
						zap.String("kind", string(e.Kind)),
						zap.String("type", e.Type),
						zap.String("sender", e.Event.Sender))
				}
			}
			p.Run(ctx)
			return logout(c)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user localpart or full user id")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (new users are registered on first login)")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device id (default: server assigned)")
	cmd.Flags().StringVar(&homeserver, "homeserver", "", "homeserver base URL (default HOMESERVER_URL)")
	cmd.Flags().BoolVar(&crossSigning, "cross-signing", false, "bootstrap cross-signing keys")
	cmd.Flags().StringSliceVar(&track, "track", nil, "other users whose devices to follow")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", outbox.DefaultInterval, "sync interval with --watch")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func logout(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Logout(ctx)
}
