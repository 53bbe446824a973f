package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl:", err)
		os.Exit(1)
	}
}
