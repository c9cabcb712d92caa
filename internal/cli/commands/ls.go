// Copyright 2024 PersistentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"persistentfs/internal/storage"
)

var lsCmd = &cobra.Command{
	Use:   "ls <id|url>",
	Short: "List the cached children of a record",
	Long: `List the children stored for a record. The record is given by id, by root
url, or by a root url followed by child names.

Examples:
  persistentfs ls 2
  persistentfs ls file:///home/me/project
  persistentfs ls file:///home/me/project/src`,
	Args: cobra.ExactArgs(1),
	RunE: runLs,
}

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "List the root records of a store",
	Args:  cobra.NoArgs,
	RunE:  runRoots,
}

func init() {
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rootsCmd)
}

func flagString(flags uint32) string {
	b := []byte("----")
	if flags&storage.FlagDirectory != 0 {
		b[0] = 'd'
	}
	if flags&storage.FlagSymlink != 0 {
		b[0] = 'l'
	}
	if flags&storage.FlagReadOnly != 0 {
		b[1] = 'r'
	}
	if flags&storage.FlagHidden != 0 {
		b[2] = 'h'
	}
	if flags&storage.FlagChildrenCached != 0 {
		b[3] = 'c'
	}
	return string(b)
}

func runLs(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	id, err := resolveRecord(ctx, s, args[0])
	if err != nil {
		return err
	}
	children, err := s.ListChildren(ctx, id)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tFLAGS\tLENGTH\tMODIFIED\tNAME")
	for _, c := range children.Children {
		rec, err := s.Record(c.ID)
		if err != nil {
			return err
		}
		name, err := s.Name(ctx, c.ID)
		if err != nil {
			return err
		}
		modified := "-"
		if rec.Timestamp > 0 {
			modified = time.UnixMilli(rec.Timestamp).Format(time.DateTime)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", c.ID, flagString(rec.Flags), rec.Length, modified, name)
	}
	return nil
}

func runRoots(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	roots, err := s.ListRoots(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tURL")
	for _, r := range roots {
		fmt.Fprintf(w, "%d\t%s\n", r.ID, r.URL)
	}
	return nil
}
