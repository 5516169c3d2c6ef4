package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/psyche/internal/scheduler"
	"github.com/user/psyche/internal/wit"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-stage tick outcomes and the tick schedule of a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient(loadConfig())
		if err != nil {
			return err
		}
		var out struct {
			Stages   []wit.Stats       `json:"stages"`
			Schedule []scheduler.Entry `json:"schedule"`
		}
		if err := c.do(cmd.Context(), http.MethodGet, "/stats", nil, &out); err != nil {
			return err
		}

		outcomes := []wit.Outcome{wit.Emitted, wit.BelowThreshold, wit.EmptyResult, wit.Failed, wit.Busy}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprint(w, "STAGE\tBUFFERED")
		for _, o := range outcomes {
			fmt.Fprintf(w, "\t%s", o)
		}
		fmt.Fprintln(w)
		for _, s := range out.Stages {
			fmt.Fprintf(w, "%s\t%d", s.Name, s.Buffered)
			for _, o := range outcomes {
				fmt.Fprintf(w, "\t%d", s.Ticks[o.String()])
			}
			fmt.Fprintln(w)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(out.Schedule) == 0 {
			return nil
		}
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSCHEDULE\tNEXT")
		for _, e := range out.Schedule {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, e.Schedule, e.Next.Local().Format("15:04:05"))
		}
		return w.Flush()
	},
}
