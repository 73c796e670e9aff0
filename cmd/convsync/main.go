package main

import "convsync/internal/cli"

func main() {
	cli.Execute()
}
