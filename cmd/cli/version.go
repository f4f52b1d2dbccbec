package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokenbroker/tokenbroker/internal/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			fmt.Printf("tokenbroker %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
			if info.GitCommit != "" {
				fmt.Printf("commit: %s\n", info.GitCommit)
			}
		},
	}
}
