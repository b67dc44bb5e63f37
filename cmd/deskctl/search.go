package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/support-desk/internal/search"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

func newSearchCmd(db *dbFlags) *cobra.Command {
	var (
		limit int
		docs  bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search conversations, or the knowledge base with --docs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if docs {
				return searchDocs(cmd, db, query, limit)
			}

			svc, closeFn, err := ticketService(db)
			if err != nil {
				return err
			}
			defer closeFn()

			hits, err := svc.Search(cmd.Context(), query, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hits) == 0 {
				fmt.Fprintln(out, "No matches.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TICKET\tSTATUS\tROLE\tSNIPPET")
			for _, h := range hits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.TicketID, h.Status, h.Role, strings.ReplaceAll(h.Snippet, "\n", " "))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().BoolVar(&docs, "docs", false, "search the knowledge base instead of conversations")
	return cmd
}

// searchDocs uses keyword ranking only; embedding the query would need the
// model provider.
func searchDocs(cmd *cobra.Command, db *dbFlags, query string, limit int) error {
	st, _, err := db.open()
	if err != nil {
		return err
	}
	defer st.Close()

	hits, err := search.NewSearcher(st, nil, logger.NewNop()).Search(cmd.Context(), query, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(out, "%s#section-%d (%.2f)\n  %s\n", h.FilePath, h.Section, h.Score, truncate(strings.ReplaceAll(h.Text, "\n", " "), 120))
	}
	return nil
}
