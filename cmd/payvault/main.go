package main

import "github.com/ppiankov/payvault/internal/cli"

func main() {
	cli.Execute()
}
