package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 执行 CLI 并返回退出码，方便测试。
func run(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(stdErr, err)
		}
		return 1
	}
	return 0
}
