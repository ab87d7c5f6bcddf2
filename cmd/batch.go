package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
	"github.com/ziadkadry99/kinesight/internal/progress"
	"github.com/ziadkadry99/kinesight/internal/sessions"
)

var (
	batchParallel int
	batchOutDir   string
)

var batchCmd = &cobra.Command{
	Use:   "batch <glob>...",
	Short: "Store and analyze every session file matching the given patterns",
	Long: `Loads session JSON files matched by one or more patterns (** is
supported, e.g. "data/**/session-*.json"), stores them, and runs the
pipeline for each. Sessions run in parallel up to --parallel; the
generative rate limit is shared across all of them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		files, err := expandGlobs(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no session files matched %v", args)
		}

		a, err := openApp(ctx, appOptions{pipeline: true})
		if err != nil {
			return err
		}
		defer a.Close()

		var loaded []*metrics.SessionMetrics
		for _, f := range files {
			m, err := sessions.LoadFile(f)
			if err != nil {
				return err
			}
			if err := a.sessions.Put(ctx, m); err != nil {
				return err
			}
			loaded = append(loaded, m)
		}
		// Earlier sessions first so progress has history to compare against.
		sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].RecordedAt.Before(loaded[j].RecordedAt) })

		if batchOutDir != "" {
			if err := os.MkdirAll(batchOutDir, 0o755); err != nil {
				return err
			}
		}

		parallel := batchParallel
		if parallel < 1 {
			parallel = a.cfg.MaxConcurrency
		}

		rep := progress.NewReporter("Analyzing sessions")
		rep.Start(len(loaded))

		var (
			mu      sync.Mutex
			done    int
			results = make([]*pipeline.State, len(loaded))
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(parallel)
		for i, m := range loaded {
			g.Go(func() error {
				st, err := a.orch.Run(gctx, m.SessionID)
				// A failed session is reported, not fatal to the batch.
				if st == nil && err != nil && !errors.Is(err, context.Canceled) {
					st = &pipeline.State{SessionID: m.SessionID, Status: pipeline.StatusError,
						Error: &pipeline.ErrorRecord{Message: err.Error()}}
				}
				results[i] = st
				if st != nil && batchOutDir != "" {
					path := filepath.Join(batchOutDir, m.SessionID+reportExt())
					if werr := writeReport(gctx, a, st, path); werr != nil {
						return werr
					}
				}

				mu.Lock()
				done++
				status := "cancelled"
				if st != nil {
					status = string(st.Status)
				}
				rep.Update(done, fmt.Sprintf("%s: %s", sessionLabel(m), status))
				mu.Unlock()
				return gctx.Err()
			})
		}
		waitErr := g.Wait()
		rep.Finish()

		failed := printBatchSummary(results)
		if waitErr != nil {
			return waitErr
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d session(s) failed", failed, len(loaded))
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().IntVarP(&batchParallel, "parallel", "p", 0, "sessions to run at once (default: max_concurrency from config)")
	batchCmd.Flags().StringVar(&batchOutDir, "out-dir", "", "write one report per session into this directory")
	batchCmd.Flags().StringVar(&reportFormat, "format", "md", "report format for --out-dir: md or html")
	rootCmd.AddCommand(batchCmd)
}

// expandGlobs resolves doublestar patterns into a sorted, de-duplicated
// list of files.
func expandGlobs(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func reportExt() string {
	if reportFormat == "html" {
		return ".html"
	}
	return ".md"
}

func printBatchSummary(results []*pipeline.State) int {
	failed := 0
	fmt.Println()
	for _, st := range results {
		if st == nil {
			continue
		}
		line := fmt.Sprintf("%-24s %-10s", st.SessionID, st.Status)
		if st.Error != nil {
			failed++
			line += " " + st.Error.Message
			if st.Error.Kind != "" {
				line += fmt.Sprintf(" [%s]", st.Error.Kind)
			}
		} else if st.Analysis != nil {
			line += fmt.Sprintf(" %d insight(s), %d revision(s)", len(st.Analysis.AllInsights()), st.Revision)
		}
		fmt.Println(line)
	}
	return failed
}
