package main

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"kevin/internal/core"
)

func newSchemaCommand() *cobra.Command {
	schemaCommand := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of run log entries",
		Long: `Prints the JSON schema describing one line of the run log, for
validating logs in external tooling.`,
		Args: cobra.NoArgs,
		RunE: schemaAction,
	}
	return schemaCommand
}

func schemaAction(cmd *cobra.Command, args []string) error {
	schema := jsonschema.Reflect(&core.RunLogEntry{})
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
