package main

import "github.com/diamondops/custody/internal/cli"

func main() {
	cli.Execute()
}
