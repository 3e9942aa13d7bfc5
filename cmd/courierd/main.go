package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "courierd",
		Short: "Outbound messaging pipeline daemon",
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline and its HTTP control surface",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
