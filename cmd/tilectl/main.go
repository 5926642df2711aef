// Command tilectl inspects flight images and runs the scoring pipeline outside Event Grid.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tilectl",
		Short:         "Healthy Habitat region scoring tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(
		tilesCommand(),
		scoreCommand(),
	)
	return rootCmd
}
