// Command deskctl inspects and maintains the support desk database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/support-desk/internal/config"
	"github.com/capitalize-ai/support-desk/internal/store"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// dbFlags select the database; empty values fall back to the server
// configuration.
type dbFlags struct {
	driver string
	dsn    string
}

func newRootCmd() *cobra.Command {
	db := &dbFlags{}
	cmd := &cobra.Command{
		Use:           "deskctl",
		Short:         "Support desk administration",
		Long:          "deskctl inspects tickets, conversations and the knowledge base of the support desk.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&db.driver, "db-driver", "", "database driver (sqlite or mysql)")
	cmd.PersistentFlags().StringVar(&db.dsn, "db-dsn", "", "database DSN")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newTicketsCmd(db))
	cmd.AddCommand(newSearchCmd(db))
	cmd.AddCommand(newDocsCmd(db))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deskctl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// open connects to the database named by the flags or, failing that, by
// the server configuration.
func (f *dbFlags) open() (*store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	driver, dsn := cfg.Database.Driver, cfg.Database.DSN
	if f.driver != "" {
		driver = f.driver
	}
	if f.dsn != "" {
		dsn = f.dsn
	}
	st, err := store.Open(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
