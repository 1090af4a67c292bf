package main

import (
	"context"
	"fmt"
	"os"

	"github.com/keithlinneman/edutoolbox/internal/ctl"
)

func main() {
	if err := ctl.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
