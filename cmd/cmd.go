// Package cmd defines the CLI interface for swarmd. It relies heavily on
// the spf13/cobra package. Much of its structure is adapted from
// kubernetes/kubernetes/tree/master/cmd
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	golog "github.com/ipfs/go-log"
	"github.com/qri-io/ioes"
)

var log = golog.Logger("cmd")

// Execute adds all child commands to the root command and runs it. This is
// called by main.main. It only needs to happen once to the root command.
func Execute() {
	ctx := context.Background()
	root := NewSwarmdCommand(ctx, ioes.NewStdIOStreams())
	root.SilenceUsage = true
	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		printErr(os.Stderr, err)
		os.Exit(1)
	}
}

// ErrExit writes an error to the given io.Writer & exits
func ErrExit(w io.Writer, err error) {
	log.Debug(err.Error())
	printErr(w, err)
	os.Exit(1)
}

// ExitIfErr only calls ErrExit if there is an error present
func ExitIfErr(w io.Writer, err error) {
	if err != nil {
		ErrExit(w, err)
	}
}

func printErr(w io.Writer, err error) {
	fmt.Fprintf(w, "%s\n", err.Error())
}

// GetWd is a convenience method to get the working directory or bail.
func GetWd() string {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Printf("error getting working directory: %s", err.Error())
		os.Exit(1)
	}
	return dir
}
