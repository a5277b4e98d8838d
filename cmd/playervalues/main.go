package main

import "player-values/internal/cli"

func main() {
	cli.Execute()
}
