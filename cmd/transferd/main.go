package main

import "github.com/transferd/transferd/cmd/transferd/cli"

func main() {
	cli.ParseFlags()
	cli.Serve()
}
