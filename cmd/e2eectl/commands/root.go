package commands

import (
	"sentinal-e2ee/config"
	"sentinal-e2ee/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	appCfg  *config.Config
	appLog  *logger.Logger
	logMode string
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "e2eectl",
		Short:         "End-to-end encryption toolbox: login QR codes, a test homeserver and device clients",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			appCfg = config.LoadConfig()
			mode := logMode
			if mode == "" {
				mode = appCfg.AppMode
			}
			appLog = logger.ForAppMode(mode)
			logger.SetGlobalLogger(appLog)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appLog != nil {
				_ = appLog.Logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&logMode, "log-mode", "", "logger mode: debug, release or test (default APP_MODE)")

	root.AddCommand(qrCmd(), homeserverCmd(), simulateCmd(), deviceCmd())
	return root
}
