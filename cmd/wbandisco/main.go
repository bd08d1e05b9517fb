package main

import "github.com/kabili207/wbandisco/cmd/wbandisco/cmd"

var version string // set by the compiler

func main() {
	cmd.Execute(version)
}
