package main

import (
	"encoding/json"
	"fmt"

	cli "github.com/urfave/cli/v3"
)

func printJSON(command *cli.Command, value any) error {
	encoder := json.NewEncoder(command.Root().Writer)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}

// requireArgs fails unless exactly n positional arguments were given.
func requireArgs(command *cli.Command, n int) error {
	if command.Args().Len() != n {
		return fmt.Errorf("%s expects %d argument(s): %s", command.Name, n, command.ArgsUsage)
	}

	return nil
}
