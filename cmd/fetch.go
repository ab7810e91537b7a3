package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
)

func newFetchCmd() *cobra.Command {
	var (
		category string
		file     string
	)
	cmd := &cobra.Command{
		Use:   "fetch [URL...]",
		Short: "Fetch URLs and print one JSON result per line",
		Long: `Runs every URL through the strategy chain. Results are written to stdout
as JSON lines in input order; a summary line per URL goes to stderr. The
command exits 1 when any URL failed.`,
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			urls := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readURLFile(file)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs given; pass them as arguments or with --file")
			}

			reqs := make([]fetch.Request, 0, len(urls))
			for _, u := range urls {
				reqs = append(reqs, fetch.Request{URL: u, Category: category})
			}
			results := rt.app.FetchAll(cmd.Context(), reqs)
			return report(cmd.OutOrStdout(), cmd.ErrOrStderr(), results)
		}),
	}
	cmd.Flags().StringVar(&category, "category", "", "category used for the output layout (default \"general\")")
	cmd.Flags().StringVar(&file, "file", "", "file with one URL per line; blank lines and # comments are ignored")
	return cmd
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}

var (
	okColor     = color.New(color.FgGreen, color.Bold)
	failColor   = color.New(color.FgRed, color.Bold)
	methodColor = color.New(color.FgCyan)
	dimColor    = color.New(color.FgHiBlack)
)

// report writes JSON lines to out and summaries to summary. It returns
// errFailures when any result failed.
func report(out, summary io.Writer, results []fetch.Result) error {
	enc := json.NewEncoder(out)
	failed := 0
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		if res.Success {
			_, _ = okColor.Fprint(summary, "OK   ")
			_, _ = methodColor.Fprintf(summary, "%-13s ", res.Method)
			fmt.Fprint(summary, res.URL)
			if res.OutputPath != "" {
				_, _ = dimColor.Fprintf(summary, " -> %s", res.OutputPath)
			}
			if n := len(res.FinalizeErrors); n > 0 {
				_, _ = failColor.Fprintf(summary, " (%d finalize errors)", n)
			}
			fmt.Fprintln(summary)
			continue
		}
		failed++
		_, _ = failColor.Fprint(summary, "FAIL ")
		fmt.Fprint(summary, res.URL)
		_, _ = dimColor.Fprintf(summary, " %s\n", res.Error)
	}
	if failed > 0 {
		_, _ = failColor.Fprintf(summary, "%d of %d failed\n", failed, len(results))
		return errFailures
	}
	return nil
}
