package cli

import (
	"github.com/spf13/cobra"

	"github.com/lazypower/crystal/internal/client"
	"github.com/lazypower/crystal/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "crystal",
	Short:         "Realtime two-person messaging with a relationship crystal",
	Long:          "Crystal is a messaging server and client. Every conversation grows a crystal that glows while both people keep talking and cracks when they stop.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var (
	flagServer string
	flagUser   string
	flagToken  string
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Server URL (env CRYSTAL_CLIENT_URL)")
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "Act as this user id, when the server trusts the header (env CRYSTAL_CLIENT_USER)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Bearer token (env CRYSTAL_CLIENT_TOKEN)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(crystalsCmd)
}

// loadConfig reads configuration and applies the global client flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if flagServer != "" {
		cfg.Client.ServerURL = flagServer
	}
	if flagUser != "" {
		cfg.Client.UserID = flagUser
	}
	if flagToken != "" {
		cfg.Client.Token = flagToken
	}
	return cfg, nil
}

func newClient() (*client.Client, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	return client.New(cfg.Client), cfg, nil
}
