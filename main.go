package main

import "github.com/ranmrdrakono/shroud/cmd"

func main() {
	cmd.Execute()
}
