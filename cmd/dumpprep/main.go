package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dumpprep/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := cli.Run(ctx, os.Args[1:])
	if err != nil {
		var invErr *cli.InvocationError
		if errors.As(err, &invErr) && invErr.ExitCode == cli.ExitSuccess {
			fmt.Fprint(os.Stdout, invErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	stop()
	os.Exit(result.ExitCode)
}
