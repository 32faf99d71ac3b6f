package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mamba-org/reposhard/cmd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if err := cmd.New().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error running reposhard: %s\n", err)

		return 1
	}

	return 0
}
