package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the structure of a store",
	Long: `Walk every record of the store and validate flags, the free list, parent
links, attribute directories, children lists and content reference counts.

Problems are reported, not repaired. Use "persistentfs invalidate" to force a
rebuild on the next open.

Examples:
  persistentfs check
  persistentfs check --dir ~/.cache/vfs`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	report, err := s.CheckSanity(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Records checked: %d\n", report.RecordsChecked)
	fmt.Fprintf(out, "Free records: %d\n", report.FreeRecords)
	fmt.Fprintf(out, "Content blocks: %d\n", report.ContentBlocks)
	if report.OK() {
		fmt.Fprintln(out, "No problems found")
		return nil
	}
	for _, p := range report.Problems {
		fmt.Fprintf(out, "  %s\n", p)
	}
	return fmt.Errorf("%d problem(s) found", len(report.Problems))
}
