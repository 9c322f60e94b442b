package main

import "github.com/jmcleod/strongroom/cmd/strongroom/cmd"

func main() {
	cmd.Execute()
}
