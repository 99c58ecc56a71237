package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lmm-analyzer/internal/model"
	"github.com/sells-group/lmm-analyzer/internal/store"
)

var resultsFlags struct {
	ids      []string
	tonality string
	model    string
	limit    int
	offset   int
	format   string
	width    int
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show stored analyses",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter := store.AnalysisFilter{
			PostIDs: resultsFlags.ids,
			Model:   resultsFlags.model,
			Limit:   resultsFlags.limit,
			Offset:  resultsFlags.offset,
		}
		if resultsFlags.tonality != "" {
			t := model.Tonality(strings.ToLower(resultsFlags.tonality))
			if !t.Valid() {
				return eris.Errorf("results: unknown tonality %q", resultsFlags.tonality)
			}
			filter.Tonality = t
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		analyses, err := st.ListAnalyses(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "results")
		}

		if len(analyses) == 0 {
			fmt.Fprintln(os.Stderr, "No analyses found.")
			return nil
		}

		return writeAnalyses(os.Stdout, analyses, resultsFlags.format, resultsFlags.width)
	},
}

func init() {
	f := resultsCmd.Flags()
	f.StringSliceVar(&resultsFlags.ids, "ids", nil, "only these post ids")
	f.StringVar(&resultsFlags.tonality, "tonality", "", "negative, neutral, positive or unknown")
	f.StringVar(&resultsFlags.model, "model", "", "only analyses produced by this model")
	f.IntVar(&resultsFlags.limit, "limit", 100, "max number of analyses")
	f.IntVar(&resultsFlags.offset, "offset", 0, "skip this many analyses")
	f.StringVar(&resultsFlags.format, "format", "table", "table or json")
	f.IntVar(&resultsFlags.width, "width", 60, "wrap table cells wider than this (0 = no wrap)")
	rootCmd.AddCommand(resultsCmd)
}

func writeAnalyses(w io.Writer, analyses []model.Analysis, format string, width int) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(analyses)
	case "table", "":
		rows := make([][]string, 0, len(analyses))
		for _, a := range analyses {
			rows = append(rows, []string{
				a.PostID,
				string(a.Tonality),
				a.Title,
				a.Description,
				a.ModelUsed,
				a.AnalyzedAt.Format("2006-01-02 15:04"),
			})
		}
		_, err := fmt.Fprintln(w, renderTable(
			[]string{"Post", "Tonality", "Title", "Description", "Model", "Analyzed"},
			rows,
			[]columnAlignment{alignRight},
			width,
		))
		return err
	default:
		return eris.Errorf("results: unknown format %q", format)
	}
}
