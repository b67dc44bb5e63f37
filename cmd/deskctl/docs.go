package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/search"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

func newDocsCmd(db *dbFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Manage the knowledge base",
	}
	cmd.AddCommand(newDocsImportCmd(db))
	return cmd
}

func newDocsImportCmd(db *dbFlags) *cobra.Command {
	var embed bool
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import markdown documents into the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := db.open()
			if err != nil {
				return err
			}
			defer st.Close()

			var embedder llm.Embedder
			if embed {
				client, err := llm.NewOpenAIClient(llm.Config{
					APIKey:     cfg.LLM.OpenAIAPIKey,
					BaseURL:    cfg.LLM.OpenAIBaseURL,
					Model:      cfg.LLM.Model,
					EmbedModel: cfg.LLM.EmbedModel,
				})
				if err != nil {
					return fmt.Errorf("create embedding client: %w", err)
				}
				embedder = client
			}

			stats, err := search.NewIndexer(st, embedder, logger.NewNop()).ImportDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d sections from %d files (%d heading-only sections skipped).\n",
				stats.Sections, stats.Files, stats.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&embed, "embed", false, "compute embeddings with the configured OpenAI-compatible endpoint")
	return cmd
}
