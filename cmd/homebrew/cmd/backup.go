package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var backupOut string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a snapshot of the user store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("store") {
			cfg.Store = storeDSN
		}
		repo, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer repo.Close()

		var w io.Writer = cmd.OutOrStdout()
		if backupOut != "" && backupOut != "-" {
			f, err := os.OpenFile(backupOut, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create backup file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := repo.Backup(cmd.Context(), w); err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		if f, ok := w.(*os.File); ok && f != os.Stdout {
			if err := f.Sync(); err != nil {
				return err
			}
			logger.Info("backup written", "file", backupOut)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVarP(&backupOut, "out", "o", "-", "Backup file, or - for stdout")
	backupCmd.Flags().StringVar(&storeDSN, "store", "", "Storage DSN; defaults to the configured store")
}
