package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"marketsync/internal/app"
)

var (
	showCode  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent archived price samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Code:  strings.ToUpper(showCode),
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showCode, "code", "", "Currency code to display (e.g. BTC)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
