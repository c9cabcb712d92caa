package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var invalidateReason string

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Mark a store corrupted so the next open rebuilds it",
	Long: `Write a corruption marker into the store directory. The next open discards
every store file and starts from an empty store.

Examples:
  persistentfs invalidate
  persistentfs invalidate --reason "stale after upgrade"`,
	Args: cobra.NoArgs,
	RunE: runInvalidate,
}

func init() {
	invalidateCmd.Flags().StringVar(&invalidateReason, "reason", "invalidated by user", "reason recorded in the marker")
	rootCmd.AddCommand(invalidateCmd)
}

func runInvalidate(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	if err := s.MarkCorrupted(invalidateReason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Store %s will be rebuilt on next open\n", storeDir)
	return nil
}
