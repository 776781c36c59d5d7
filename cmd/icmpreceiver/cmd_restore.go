package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HerbHall/icmpreceiver/internal/backup"
)

func newRestoreCmd() *cobra.Command {
	var dataDir string
	var force bool
	cmd := &cobra.Command{
		Use:   "restore ARCHIVE",
		Short: "Restore a ledger backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := backup.ReadManifest(args[0])
			if err != nil {
				return err
			}
			if err := backup.Restore(cmd.Context(), args[0], dataDir, force); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %v from %s backup (%s) to %s\n",
				m.Files, m.Version, m.CreatedAt.Format("2006-01-02 15:04:05"), dataDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", ".", "target directory for restored files")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}
