// Command engine operates the contract workflow engine.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newApp().Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}
