// cmd/hycolink/root.go
// Root command for the `hycolink` CLI. It wires common flags, global
// initialisation (logger, config file) and adds top-level sub-commands
// located in sibling files (attach.go, version.go).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Voskan/hycolink/internal/logging"
	"github.com/Voskan/hycolink/pkg/version"
)

var (
	cfgFile string
	logJSON bool
	rootCmd = &cobra.Command{
		Use:   "hycolink",
		Short: "hycolink – a relay-listener client for firewalled/NAT'd processes",
		Long:  `hycolink attaches a local process to a cloud relay so it can accept inbound connections without opening a port.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logging.Initialised() {
				return nil
			}
			return initLogger()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (YAML/TOML/JSON)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Enable JSON log output (default is human-friendly console)")

	rootCmd.AddCommand(newAttachCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "hycolink"))
		}
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("HYCOLINK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Sugar().Infof("using config file: %s", viper.ConfigFileUsed())
	}
}

func initLogger() error {
	cfg := zap.NewProductionConfig()
	if !logJSON {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zap.TimeEncoder(func(t time.Time, enc zap.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	})

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	logging.Set(logger)
	logging.Sugar().Infow("hycolink starting", "go_version", runtime.Version(), "version", version.String())
	return nil
}
