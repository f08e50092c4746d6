package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/safing/portgate/base/info"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and related metadata.",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Println(info.FullVersion())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
