// Command ticketarc runs the webhook-driven ticket archival service.
package main

import (
	"fmt"
	"os"

	"github.com/ticketarc/ticketarc/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
