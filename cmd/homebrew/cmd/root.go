package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CanyonCasa/homebrew/config"

	// Storage backends register themselves with storage.Open.
	_ "github.com/CanyonCasa/homebrew/storage/bbolt"
	_ "github.com/CanyonCasa/homebrew/storage/memory"
	_ "github.com/CanyonCasa/homebrew/storage/postgres"
	_ "github.com/CanyonCasa/homebrew/storage/redis"
	_ "github.com/CanyonCasa/homebrew/storage/sqlite"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath string
	logFormat  string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "homebrew",
	Short: "Homebrew is a small site server for user auth and host routing",
	Long: `Homebrew serves the /user account API (login, sessions, challenge codes,
admin) and reverse-proxies virtual hosts to local backends.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-format") {
			c.Log.Format = logFormat
		}
		if cmd.Flags().Changed("log-level") {
			c.Log.Level = logLevel
		}
		if err := c.Validate(); err != nil {
			return err
		}
		l, err := newLogger(os.Stderr, c)
		if err != nil {
			return err
		}
		cfg, logger = c, l
		slog.SetDefault(l)
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("HOMEBREW_CONFIG"), "Path to the TOML site configuration")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
}

func newLogger(w io.Writer, c *config.Config) (*slog.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Log.Format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
}
