package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/psyche/internal/types"
)

func init() {
	rootCmd.AddCommand(senseCmd, breakCmd, faceCmd)
	senseCmd.Flags().String("kind", types.KindHeard, "sensation kind")
	senseCmd.Flags().String("image", "", "path to an image to attach")
}

var senseCmd = &cobra.Command{
	Use:   "sense [text...]",
	Short: "Feed a sensation to a running daemon",
	Long:  "Feed a sensation to a running daemon. By default the text is treated as something the agent heard.",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		imagePath, _ := cmd.Flags().GetString("image")

		body := map[string]string{
			"kind": kind,
			"text": strings.Join(args, " "),
		}
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			body["image"] = base64.StdEncoding.EncodeToString(data)
		}
		if body["text"] == "" && body["image"] == "" {
			return fmt.Errorf("nothing to sense: give text or --image")
		}

		c, err := newAdminClient(loadConfig())
		if err != nil {
			return err
		}
		if err := c.do(cmd.Context(), http.MethodPost, "/sensation", body, nil); err != nil {
			return err
		}
		fmt.Println("Sensation accepted.")
		return nil
	},
}

var breakCmd = &cobra.Command{
	Use:   "break",
	Short: "Close the current episode on a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient(loadConfig())
		if err != nil {
			return err
		}
		if err := c.do(cmd.Context(), http.MethodPost, "/break", nil, nil); err != nil {
			return err
		}
		fmt.Println("Episode break requested.")
		return nil
	},
}

var faceCmd = &cobra.Command{
	Use:   "faces [name...]",
	Short: "Report the faces currently in view",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient(loadConfig())
		if err != nil {
			return err
		}
		info := types.FaceInfo{Count: len(args), Names: args}
		if err := c.do(cmd.Context(), http.MethodPost, "/faces", info, nil); err != nil {
			return err
		}
		fmt.Println("Faces reported.")
		return nil
	},
}
