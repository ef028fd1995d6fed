package main

import "charon/internal/cli"

func main() {
	cli.Execute()
}
