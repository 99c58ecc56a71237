package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/fetcher"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load posts from a JSON, JSON Lines, YAML, CSV or XLSX file or URL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		posts, err := fetcher.ReadPosts(ctx, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), importFile)
		if err != nil {
			return eris.Wrap(err, "import posts")
		}
		if len(posts) == 0 {
			zap.L().Warn("no posts found", zap.String("file", importFile))
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertPosts(ctx, posts)
		if err != nil {
			return eris.Wrap(err, "import posts")
		}

		zap.L().Info("import complete",
			zap.Int("read", len(posts)),
			zap.Int64("upserted", n),
			zap.String("file", importFile),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path or URL of the post file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
