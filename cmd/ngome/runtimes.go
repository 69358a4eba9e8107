package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/sandbox"
)

var runtimesCmd = &cobra.Command{
	Use:   "runtimes",
	Short: "List usable container runtimes in preference order",
	RunE: func(_ *cobra.Command, _ []string) error {
		runtimes := sandbox.DetectRuntimes()
		if len(runtimes) == 0 {
			return &exitError{code: 1, err: sandbox.ErrRuntimeUnavailable}
		}
		for i, rt := range runtimes {
			marker := ""
			if i == 0 {
				marker = " (preferred)"
			}
			fmt.Printf("%s%s\n", rt, marker)
		}
		return nil
	},
}
