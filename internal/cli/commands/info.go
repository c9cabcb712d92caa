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
	"time"

	"github.com/spf13/cobra"

	"persistentfs/internal/storage"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show statistics of a store",
	Long: `Show the size of the record table, name and content storages of a store.

A pending corruption marker is reported before the store is opened, since
opening it rebuilds the store.

Examples:
  persistentfs info
  persistentfs info --dir /var/cache/vfs`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) (err error) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Store: %s\n", storeDir)

	marker, err := storage.ReadCorruptionMarker(storeDir)
	if err != nil {
		return fmt.Errorf("failed to read corruption marker: %w", err)
	}
	if marker != nil {
		fmt.Fprintf(out, "Corruption marker: %s (%s, incident %s)\n",
			marker.Reason, marker.Time.Format(time.RFC3339), marker.Incident)
	}

	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	st, err := s.Stats()
	if err != nil {
		return err
	}
	features := s.Features()
	fmt.Fprintf(out, "Format version: %#x\n", st.Version)
	fmt.Fprintf(out, "Created: %s\n", st.Created.Format(time.RFC3339))
	fmt.Fprintf(out, "Rebuilt: %v\n", st.Rebuilt)
	fmt.Fprintf(out, "Records: %d (%d free)\n", st.Records, st.FreeRecords)
	fmt.Fprintf(out, "Names: %d\n", st.Names)
	fmt.Fprintf(out, "Attribute bytes: %d\n", st.AttributeBytes)
	fmt.Fprintf(out, "Content blocks: %d (%d bytes)\n", st.ContentBlocks, st.ContentBytes)
	fmt.Fprintf(out, "Mod count: %d\n", st.GlobalModCount)
	fmt.Fprintf(out, "Content hashing: %v\n", features.ContentHashing)
	fmt.Fprintf(out, "Compression: %v\n", features.CompressContent)
	return nil
}
