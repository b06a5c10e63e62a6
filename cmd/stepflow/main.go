package main

import "github.com/devicelab-dev/stepflow/pkg/cli"

func main() {
	cli.Execute()
}
