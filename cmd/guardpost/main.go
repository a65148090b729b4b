package main

import "github.com/guardpost/guardpost/cmd/guardpost/cmd"

func main() {
	cmd.Execute()
}
