// Command energyflow runs the energy event pipeline against simulated
// generation sources, or inspects and recovers a session's durable state.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
