// Command meetscribe records meetings with live transcription.
package main

import (
	"os"

	"github.com/MrWong99/meetscribe/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
