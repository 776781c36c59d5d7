package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/HerbHall/icmpreceiver/internal/backup"
)

func newBackupCmd(opts *rootOptions) *cobra.Command {
	var output, dbPath string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the host ledger and configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				cfg, err := opts.load(cmd)
				if err != nil {
					return err
				}
				dbPath = cfg.Ledger.Path
			}
			if output == "" {
				output = fmt.Sprintf("icmpreceiver-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
			}

			if err := backup.Backup(cmd.Context(), dbPath, opts.configPath, output); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default icmpreceiver-backup-{timestamp}.tar.gz)")
	cmd.Flags().StringVar(&dbPath, "db", "", "ledger database (default ledger.path from config)")
	return cmd
}
