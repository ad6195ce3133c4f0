package main

import "github.com/presence-ledger/internal/cli"

func main() {
	cli.Execute()
}
