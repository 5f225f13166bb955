package cli

import "context"

// Run parses args (excluding argv[0]) and executes the pipeline. It returns the
// semantic exit code alongside any error.
func Run(ctx context.Context, args []string) (CLIResult, error) {
	cfg, err := ParseInvocation(args)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	return Execute(ctx, cfg)
}
