// Command taskrelayd is the process entrypoint (C10): a daemon subcommand
// that runs the scheduler runtime until signaled, and an init subcommand
// that scaffolds a static INI config file interactively, mirroring the
// teacher's ofelia.go + cli.DaemonCommand/cli.InitCommand split.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/netresearch/taskrelay/config"
	"github.com/netresearch/taskrelay/logging"
)

func main() {
	daemonCmd := &daemonCommand{DaemonCommand: &config.DaemonCommand{}}
	initCmd := &initCommand{InitCommand: &config.InitCommand{}}

	parser := flags.NewNamedParser("taskrelayd", flags.Default)
	if _, err := parser.AddCommand("daemon", "run the scheduler daemon", "", daemonCmd); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("init", "creates a config file through an interactive wizard", "", initCmd); err != nil {
		panic(err)
	}

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		var flagErr *flags.Error
		if errors.As(err, &flagErr) {
			parser.WriteHelp(os.Stdout)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// newLogger builds the single logging.Logger every subcommand shares,
// applying the level supplied on the CLI/env before anything else runs.
// ApplyLevel accepts the legacy level names (e.g. "notice", "warn") in
// addition to logrus's own names.
func newLogger(level string) *logging.LogrusAdapter {
	logger := logging.NewDefault()
	if level == "" {
		return logger
	}
	if err := logging.ApplyLevel(logger, level); err != nil {
		logger.Warningf("unrecognized log level %q, keeping info: %v", level, err)
	}
	return logger
}
