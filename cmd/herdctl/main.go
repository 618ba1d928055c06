package main

import "github.com/ikido/herdctl/internal/cli"

func main() {
	cli.Execute()
}
