package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ent0n29/callrelay/internal/agent"
	"github.com/ent0n29/callrelay/internal/memory"
)

var schemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "Inspect memory schema seed files",
}

var schemasValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a memory schema YAML file (embedded demo schemas when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		schemas, err := memory.LoadSchemaFile(path)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range schemas {
			state := "active"
			if !s.Active {
				state = "inactive"
			}
			fmt.Fprintf(out, "%s\t%s\t%d properties\t%s\n", s.ID, s.Name, len(s.Properties), state)
		}
		fmt.Fprintf(out, "%d schemas ok\n", len(schemas))
		return nil
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect agent tool manifests",
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a tool manifest YAML file (embedded manifest when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		m, err := agent.LoadManifest(path)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(m.Tools))
		for _, t := range m.Tools {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		out := cmd.OutOrStdout()
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		fmt.Fprintf(out, "%s: %d tools ok\n", m.Company.Name, len(names))
		return nil
	},
}

func init() {
	schemasCmd.AddCommand(schemasValidateCmd)
	manifestCmd.AddCommand(manifestValidateCmd)
}
