package main

import "github.com/verdict-network/verdict/cmd/cli"

func main() {
	cli.Execute()
}
