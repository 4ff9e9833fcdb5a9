package main

import (
	"flag"
	"testing"

	"github.com/urfave/cli"
)

func TestRunSearchRequiresQueryArgument(t *testing.T) {
	set := flag.NewFlagSet("search", 0)
	set.Parse(nil) // no positional args
	c := cli.NewContext(cli.NewApp(), set, nil)

	err := runSearch(c)
	if err == nil {
		t.Fatal("expected an error when no query argument is given")
	}
	exitErr, ok := err.(cli.ExitCoder)
	if !ok {
		t.Fatalf("got %T, want cli.ExitCoder", err)
	}
	if exitErr.ExitCode() != 2 {
		t.Fatalf("ExitCode() = %d, want 2", exitErr.ExitCode())
	}
}
