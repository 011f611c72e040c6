package main

import "github.com/pipewatch/pipewatch/internal/cli"

func main() {
	cli.Execute()
}
