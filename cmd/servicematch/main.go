package main

import "github.com/example/servicematch/internal/cli"

func main() {
	cli.Execute()
}
