package main

import (
	"fmt"
	"os"

	"chronobot/internal/cli"
)

func main() {
	err := cli.NewRootCmd(cli.Options{}).Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(cli.ExitCode(err))
}
