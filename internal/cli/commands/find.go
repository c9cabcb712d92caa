package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var findLimit int

var findCmd = &cobra.Command{
	Use:   "find <name>...",
	Short: "Find records by file name",
	Long: `Print the id and path of every live record carrying one of the given names,
using the inverted name index.

Examples:
  persistentfs find go.mod
  persistentfs find Makefile CMakeLists.txt --limit 10`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFind,
}

func init() {
	findCmd.Flags().IntVar(&findLimit, "limit", 0, "stop after this many matches (0 = all)")
	rootCmd.AddCommand(findCmd)
}

func runFind(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	var ids []int32
	if _, err := s.ProcessFilesWithNames(ctx, args, func(id int32) bool {
		ids = append(ids, id)
		return findLimit <= 0 || len(ids) < findLimit
	}); err != nil {
		return err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := cmd.OutOrStdout()
	for _, id := range ids {
		path, err := pathOf(ctx, s, id)
		if err != nil {
			path = fmt.Sprintf("<%v>", err)
		}
		fmt.Fprintf(out, "%d\t%s\n", id, path)
	}
	if len(ids) == 0 {
		return fmt.Errorf("no records named %v", args)
	}
	return nil
}
