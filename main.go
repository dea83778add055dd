package main

import "dropwire/cmd"

func main() {
	cmd.Execute()
}
