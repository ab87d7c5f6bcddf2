package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
	"github.com/ziadkadry99/kinesight/internal/report"
	"github.com/ziadkadry99/kinesight/internal/sessions"
)

var (
	reportFormat  string
	reportOut     string
	reportSources bool
)

var runCmd = &cobra.Command{
	Use:   "run <session.json | session-id>",
	Short: "Run the insight pipeline for one session and print its report",
	Long: `Runs decomposition, research, synthesis, validation and progress for a
session. A path to a JSON file stores the session first; anything else is
taken as the id of an already stored session. The run stops cleanly on
Ctrl-C and is recorded as cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, appOptions{pipeline: true})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveSession(ctx, a, args[0])
		if err != nil {
			return err
		}

		st, runErr := a.orch.Run(ctx, id)
		if st == nil {
			return runErr
		}
		if err := writeReport(ctx, a, st, reportOut); err != nil {
			return err
		}
		if reportOut != "" {
			fmt.Fprintf(os.Stderr, "Report written to %s\n", reportOut)
		}
		var se *pipeline.StageError
		if errors.As(runErr, &se) && se.Retryable {
			return fmt.Errorf("%w (retryable: run again)", runErr)
		}
		return runErr
	},
}

func init() {
	addReportFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addReportFlags(c *cobra.Command) {
	c.Flags().StringVar(&reportFormat, "format", "md", "report format: md or html")
	c.Flags().StringVarP(&reportOut, "out", "o", "", "write the report to a file instead of stdout")
	c.Flags().BoolVar(&reportSources, "sources", false, "append the stored block JSON to the report")
}

// resolveSession stores arg when it names a JSON file and returns the
// session id.
func resolveSession(ctx context.Context, a *app, arg string) (string, error) {
	if strings.HasSuffix(arg, ".json") {
		m, err := sessions.LoadFile(arg)
		if err != nil {
			return "", err
		}
		if err := a.sessions.Put(ctx, m); err != nil {
			return "", err
		}
		return m.SessionID, nil
	}
	if _, err := a.sessions.Session(ctx, arg); err != nil {
		return "", err
	}
	return arg, nil
}

// writeReport renders st with the session's live metrics and history to
// path, or stdout when path is empty.
func writeReport(ctx context.Context, a *app, st *pipeline.State, path string) error {
	in := report.Input{State: st, Sources: reportSources}
	if m, err := a.sessions.Session(ctx, st.SessionID); err == nil {
		in.Current = m
		if m.PatientID != "" {
			hist, err := a.sessions.History(ctx, m.PatientID, m.RecordedAt)
			if err != nil {
				return err
			}
			in.History = hist
		}
	}

	out, err := report.Markdown(in)
	if err != nil {
		return err
	}
	switch reportFormat {
	case "md", "markdown":
	case "html":
		if out, err = report.HTML("Session "+st.SessionID, out); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown report format %q (want md or html)", reportFormat)
	}

	if path == "" {
		fmt.Print(out)
		return nil
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// sessionLabel is a short human description of a session.
func sessionLabel(m *metrics.SessionMetrics) string {
	if m.PatientID == "" {
		return m.SessionID
	}
	return fmt.Sprintf("%s (patient %s)", m.SessionID, m.PatientID)
}
