package main

import "github.com/CanyonCasa/homebrew/cmd/homebrew/cmd"

func main() {
	cmd.Execute()
}
