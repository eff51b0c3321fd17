package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print registered users, login history and published activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadConfig(configPath)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		store, err := database.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close(context.Background())

		report, err := store.Report(ctx)
		if err != nil {
			return err
		}
		return printReport(cmd.OutOrStdout(), report)
	},
}

func printReport(out io.Writer, report *database.Report) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	const layout = "2006-01-02 15:04:05"

	fmt.Fprintln(w, "--- Server Data Report ---")
	fmt.Fprintln(w, "\n[Registered users]:")
	for _, user := range report.Users {
		fmt.Fprintln(w, user)
	}

	fmt.Fprintln(w, "\n[Login History]:")
	fmt.Fprintln(w, "USERNAME\tLOGIN\tLOGOUT")
	for _, login := range report.Logins {
		logout := "-"
		if login.LogoutTime != nil {
			logout = login.LogoutTime.Format(layout)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", login.Username, login.LoginTime.Format(layout), logout)
	}

	fmt.Fprintln(w, "\n[Published Activity]:")
	fmt.Fprintln(w, "USERNAME\tTOPIC\tTIME")
	for _, activity := range report.Activity {
		fmt.Fprintf(w, "%s\t%s\t%s\n", activity.Username, activity.Topic, activity.Time.Format(layout))
	}
	fmt.Fprintln(w, "--------------------------")
	return w.Flush()
}
