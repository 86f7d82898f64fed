package main

import "github.com/shipped/shipped/cmd/shipped-ctl/cmd"

func main() {
	cmd.Execute()
}
