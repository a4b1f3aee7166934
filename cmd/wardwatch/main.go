package main

import "github.com/ppiankov/wardwatch/internal/cli"

func main() {
	cli.Execute()
}
