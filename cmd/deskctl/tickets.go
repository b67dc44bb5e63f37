package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/service"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

func newTicketsCmd(db *dbFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Inspect tickets",
	}
	cmd.AddCommand(newTicketsListCmd(db))
	cmd.AddCommand(newTicketsShowCmd(db))
	cmd.AddCommand(newTicketsToolsCmd(db))
	cmd.AddCommand(newTicketsSummaryCmd(db))
	return cmd
}

func newTicketsListCmd(db *dbFlags) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets by recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := ticketService(db)
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := svc.List(cmd.Context(), model.TicketStatus(status), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Tickets) == 0 {
				fmt.Fprintln(out, "No tickets found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCUSTOMER\tUPDATED")
			for _, t := range resp.Tickets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, customerLabel(t), t.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, wait_for_reply, escalated, closed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tickets to list")
	return cmd
}

func newTicketsShowCmd(db *dbFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket and its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := ticketService(db)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			t, err := svc.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("ticket %s: %w", args[0], err)
			}
			page, err := svc.Messages(ctx, t.ID, 0, 100)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, map[string]interface{}{"ticket": t, "messages": page.Messages})
			}

			fmt.Fprintf(out, "Ticket:   %s\n", t.ID)
			fmt.Fprintf(out, "Status:   %s\n", t.Status)
			fmt.Fprintf(out, "Customer: %s\n", customerLabel(*t))
			if t.Summary != nil {
				fmt.Fprintf(out, "Summary:  %s\n", *t.Summary)
			}
			if t.EscalationReason != nil {
				fmt.Fprintf(out, "Escalation: %s\n", *t.EscalationReason)
			}
			fmt.Fprintln(out)
			for _, m := range page.Messages {
				fmt.Fprintf(out, "[%d] %s: %s\n", m.Sequence, m.Role, messageText(m))
			}
			if page.HasMore {
				fmt.Fprintln(out, "...")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newTicketsToolsCmd(db *dbFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools <ticket-id>",
		Short: "Show the tool audit trail of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := ticketService(db)
			if err != nil {
				return err
			}
			defer closeFn()

			recs, err := svc.ToolUsage(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("ticket %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No tool calls recorded.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTOOL\tERROR\tMS\tRESULT")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n",
					r.CreatedAt.Format(time.RFC3339), r.ToolName, r.IsError, r.ExecutionTimeMs, truncate(string(r.Result), 60))
			}
			return w.Flush()
		},
	}
}

func newTicketsSummaryCmd(db *dbFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <ticket-id>",
		Short: "Show message and tool counts for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := ticketService(db)
			if err != nil {
				return err
			}
			defer closeFn()

			sum, err := svc.Summary(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("ticket %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Ticket:   %s (%s)\n", sum.Ticket.ID, sum.Ticket.Status)
			fmt.Fprintf(out, "Messages: %d\n", sum.TotalMessages)
			for _, role := range sortedKeys(sum.MessageCounts) {
				fmt.Fprintf(out, "  %-10s %d\n", role, sum.MessageCounts[model.Role(role)])
			}
			if len(sum.ToolCounts) > 0 {
				fmt.Fprintln(out, "Tools:")
				for _, name := range sortedKeys(sum.ToolCounts) {
					fmt.Fprintf(out, "  %-20s %d\n", name, sum.ToolCounts[name])
				}
			}
			return nil
		},
	}
}

func ticketService(db *dbFlags) (*service.TicketService, func(), error) {
	st, _, err := db.open()
	if err != nil {
		return nil, nil, err
	}
	return service.NewTicketService(st, logger.NewNop()), func() { _ = st.Close() }, nil
}

func customerLabel(t model.Ticket) string {
	switch {
	case t.CustomerName != "" && t.CustomerEmail != "":
		return fmt.Sprintf("%s <%s>", t.CustomerName, t.CustomerEmail)
	case t.CustomerEmail != "":
		return t.CustomerEmail
	case t.CustomerName != "":
		return t.CustomerName
	}
	return "-"
}

func messageText(m model.Message) string {
	if len(m.ToolCalls) == 0 {
		return strings.ReplaceAll(m.Content, "\n", " ")
	}
	calls := make([]string, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		calls[i] = fmt.Sprintf("%s(%s)", tc.Name, tc.Arguments)
	}
	return strings.Join(calls, ", ")
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
