package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _   _                      _
 | | | | ___  _ __ ___   ___| |__  _ __ _____      __
 | |_| |/ _ \| '_ ` + "`" + ` _ \ / _ \ '_ \| '__/ _ \ \ /\ / /
 |  _  | (_) | | | | | |  __/ |_) | | |  __/\ V  V /
 |_| |_|\___/|_| |_| |_|\___|_.__/|_|  \___| \_/\_/
`

func printBanner(w io.Writer, what string) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  %s - Version %s\x1b[0m\n\n", what, Version)
}
