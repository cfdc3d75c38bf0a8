package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/pagesync"
	"github.com/aweris/pagesync/internal/remote"
)

var rootCmd = &cobra.Command{
	Use:   "pagesync",
	Short: "Offline-first versioned document store CLI",
	Long:  "CLI for inspecting and syncing pagesync pages against an OCI registry.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/pagesync/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: ~/.local/share/pagesync)")
	rootCmd.PersistentFlags().String("registry", "", "OCI repository used as cloud backend (e.g. ttl.sh/team/pages)")

	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("registry", rootCmd.PersistentFlags().Lookup("registry"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PAGESYNC")
	viper.AutomaticEnv()
	viper.SetDefault("data_dir", defaultDataDir())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pagesync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "pagesync")
	}
	return ".pagesync"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pagesync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "pagesync")
	}
	return ".pagesync"
}

func getDataDir() string {
	return viper.GetString("data_dir")
}

// openStore builds a store from the resolved config. One-shot commands run
// with manual sync; the background loop belongs to long-lived embedders.
func openStore() (*pagesync.Store, error) {
	opts := []pagesync.Option{
		pagesync.WithDataDir(getDataDir()),
		pagesync.WithManualSync(),
	}

	if repo := viper.GetString("registry"); repo != "" {
		var ropts []remote.ProviderOption
		if user := viper.GetString("registry_user"); user != "" {
			ropts = append(ropts, remote.WithBasicAuth(user, viper.GetString("registry_password")))
		}
		cloud, err := remote.New(repo, ropts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pagesync.WithCloud(cloud))
	}

	return pagesync.Open(opts...)
}
