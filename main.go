package main

import "github.com/offbeam/conductor/cmd"

func main() {
	cmd.Execute()
}
