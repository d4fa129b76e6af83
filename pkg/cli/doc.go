/*
Package cli provides command-line helpers for the relay command.

Output Formatting:

Command results can be printed as text tables, JSON or CSV. Values that
implement Table get real tables and CSV rows; anything else is printed
with %v or encoded as JSON:

	formatter, err := cli.NewFormatter(cli.FormatJSON)
	if err != nil {
		return err
	}
	if err := formatter.FormatTo(os.Stdout, report); err != nil {
		return err
	}

Progress Reporting:

Long-running commands such as benchmark report progress on a single line:

	progress := cli.NewProgressReporter(os.Stderr)
	progress.Start(total)
	progress.Update(done, failed)
	progress.Finish()

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx, stop := cli.SetupSignalHandler(context.Background(), logger)
	defer stop()

Exit Codes:

ExitCode maps command errors to process exit codes so scripts can tell a
bad configuration from a runtime failure.
*/
package cli
