package main

import "healthchat/internal/cli"

func main() {
	cli.Execute()
}
