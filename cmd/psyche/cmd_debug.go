package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/psyche/internal/types"
)

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugListCmd, debugEnableCmd, debugDisableCmd, debugWatchCmd)
	debugWatchCmd.Flags().Bool("prompts", false, "print the prompt of each report")
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Toggle and watch per-stage debug reports on a running daemon",
}

var debugListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled debug labels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient(loadConfig())
		if err != nil {
			return err
		}
		var out struct {
			Enabled []string `json:"enabled"`
		}
		if err := c.do(cmd.Context(), http.MethodGet, "/debug", nil, &out); err != nil {
			return err
		}
		if len(out.Enabled) == 0 {
			fmt.Println("No debug labels enabled.")
			return nil
		}
		for _, l := range out.Enabled {
			fmt.Println(l)
		}
		return nil
	},
}

var debugEnableCmd = &cobra.Command{
	Use:   "enable <label>",
	Short: "Enable reports for a stage (e.g. Quick, Situation, Will)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleDebug(cmd.Context(), http.MethodPut, args[0])
	},
}

var debugDisableCmd = &cobra.Command{
	Use:   "disable <label>",
	Short: "Disable reports for a stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleDebug(cmd.Context(), http.MethodDelete, args[0])
	},
}

func toggleDebug(ctx context.Context, method, label string) error {
	c, err := newAdminClient(loadConfig())
	if err != nil {
		return err
	}
	var out struct {
		Label string `json:"label"`
		State string `json:"state"`
	}
	if err := c.do(ctx, method, "/debug/"+url.PathEscape(label), nil, &out); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Debug %s %s.\n", out.Label, out.State)
	return nil
}

var debugWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print debug reports as stages emit them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showPrompts, _ := cmd.Flags().GetBool("prompts")
		c, err := newAdminClient(loadConfig())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return c.stream(ctx, "/debug/reports", func(_, data string) {
			var rep types.WitReport
			if err := json.Unmarshal([]byte(data), &rep); err != nil {
				fmt.Fprintln(os.Stderr, "bad report:", err)
				return
			}
			fmt.Printf("[%s] %s: %s\n", rep.At.Format("15:04:05"), rep.Name, strings.TrimSpace(rep.Output))
			if showPrompts {
				fmt.Println(indent(rep.Prompt, "    "))
			}
		})
	},
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
