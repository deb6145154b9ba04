package main

import "github.com/satriahrh/arunika/evi/internal/cli"

func main() {
	cli.Execute()
}
