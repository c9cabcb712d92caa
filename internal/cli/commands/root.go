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
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"persistentfs/internal/common"
	"persistentfs/internal/config"
	"persistentfs/internal/storage"
	"persistentfs/internal/util"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var (
	storeDir string
	lockWait time.Duration
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "persistentfs",
	Short: "Inspect and maintain persistent VFS record stores",
	Long: `Inspect and maintain a persistent VFS store: the record table, names,
attributes and content that cache a file system between sessions.

Opening a store that was not closed cleanly, carries a corruption marker or
was written with other format settings rebuilds it from scratch.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		config.SetupLogging(cfg.LogLevel, os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("persistentfs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&storeDir, "dir", "d", ".", "store directory")
	rootCmd.PersistentFlags().DurationVar(&lockWait, "wait", 0, "wait this long for another process to release the store")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// openStore opens the store selected by --dir for a one-shot command. The
// background flusher is off; the store is flushed on Close.
func openStore(ctx context.Context) (*storage.Store, error) {
	opts := cfg.StoreOptions()
	opts.FlushInterval = 0
	opts.Headless = true

	var (
		s   *storage.Store
		err error
	)
	try := func() bool {
		s, err = storage.Open(ctx, storeDir, opts)
		return !errors.Is(err, common.ErrAlreadyOpen)
	}
	if lockWait <= 0 {
		try()
	} else if perr := util.PollUntil(ctx, util.LockPollConfig(lockWait), try); perr != nil {
		return nil, fmt.Errorf("store %s is still in use after %s: %w", storeDir, lockWait, err)
	}
	if err != nil {
		return nil, err
	}
	if s.Rebuilt() {
		log.WithField("dir", storeDir).Warn("store was rebuilt on open")
		fmt.Fprintf(os.Stderr, "Warning: store %s was rebuilt, previous contents are gone\n", storeDir)
	}
	return s, nil
}

// closeStore closes s and keeps the first error in err.
func closeStore(s *storage.Store, err *error) {
	if cerr := s.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
