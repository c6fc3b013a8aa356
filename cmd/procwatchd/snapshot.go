package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cptspacemanspiff/procwatch/internal/collector"
	"github.com/cptspacemanspiff/procwatch/internal/startup"
)

var (
	snapshotTop    int
	snapshotSort   string
	snapshotSample time.Duration
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Poll processes and scan startup items once, print JSON and exit",
	Args:  cobra.NoArgs,
	RunE:  runSnapshot,
}

func init() {
	snapshotCmd.Flags().IntVar(&snapshotTop, "top", 0, "only print the N heaviest processes (0 prints all)")
	snapshotCmd.Flags().StringVar(&snapshotSort, "sort", "memory", "field for --top: memory or cpu")
	snapshotCmd.Flags().DurationVar(&snapshotSample, "sample", time.Second, "CPU measurement window; 0 reports zero CPU")
}

type snapshotOutput struct {
	Summary      collector.SystemSummary   `json:"summary"`
	Processes    []collector.ProcessRecord `json:"processes"`
	Startup      []startup.Item            `json:"startup_items"`
	StartupCount startup.Summary           `json:"startup_summary"`
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr, parseTopics(logTopics, verbose))
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	sampler, scanner := monitors(ctx, cfg, logger)

	// CPU usage is a delta between two polls of the same handle.
	if err := sampler.Poll(ctx); err != nil {
		return fmt.Errorf("poll processes: %w", err)
	}
	if snapshotSample > 0 {
		time.Sleep(snapshotSample)
		if err := sampler.Poll(ctx); err != nil {
			return fmt.Errorf("poll processes: %w", err)
		}
	}
	if err := scanner.Scan(ctx); err != nil {
		return fmt.Errorf("scan startup items: %w", err)
	}

	procs := sampler.SortBy(collector.SortByPID, false)
	if snapshotTop > 0 {
		procs = sampler.TopBy(collector.ParseSortField(snapshotSort), snapshotTop)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(snapshotOutput{
		Summary:      sampler.Summary(),
		Processes:    procs,
		Startup:      scanner.All(),
		StartupCount: scanner.Summary(),
	})
}
