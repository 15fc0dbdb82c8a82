package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/humantasks/internal/definition"
)

type validateResult struct {
	File       string `json:"file"`
	Definition string `json:"definition,omitempty"`
	Status     string `json:"status"` // "ok" or "invalid"
	Error      string `json:"error,omitempty"`
}

func newValidateCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate task definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]validateResult, 0, len(args))
			failed := 0
			for _, path := range args {
				r := validateResult{File: path, Status: "ok"}
				def, err := definition.LoadFile(path)
				if err != nil {
					r.Status = "invalid"
					r.Error = err.Error()
					failed++
				} else {
					r.Definition = def.Ref.String()
				}
				results = append(results, r)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Status == "ok" {
						fmt.Fprintf(out, "ok       %s (%s)\n", r.File, r.Definition)
						continue
					}
					fmt.Fprintf(out, "invalid  %s: %s\n", r.File, r.Error)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definition files invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}
