package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/psyche/internal/bus"
)

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryListCmd.Flags().Int("limit", 20, "maximum number of records")
	memoryListCmd.Flags().Bool("details", false, "print details under each headline")
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect remembered impressions",
}

var memoryListCmd = &cobra.Command{
	Use:   "list <level>",
	Short: "List recent impressions of one level (instant, moment, situation, episode, identity)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		details, _ := cmd.Flags().GetBool("details")

		level := bus.Topic(strings.ToLower(args[0]))
		if !level.Valid() {
			return fmt.Errorf("unknown level %q", args[0])
		}

		store, err := openMemory(loadConfig())
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("memory is disabled (memory.backend = none)")
		}
		defer store.Close()

		records, err := store.Recent(cmd.Context(), level, limit)
		if err != nil {
			return fmt.Errorf("read memory: %w", err)
		}
		if len(records) == 0 {
			fmt.Printf("No %s impressions remembered.\n", level)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tSOURCES\tHEADLINE")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%d\t%s\n",
				r.At.Local().Format("2006-01-02 15:04:05"),
				r.Sources,
				r.Headline,
			)
			if details && r.Details != "" {
				fmt.Fprintf(w, "\t\t%s\n", strings.ReplaceAll(r.Details, "\n", " "))
			}
		}
		return w.Flush()
	},
}
