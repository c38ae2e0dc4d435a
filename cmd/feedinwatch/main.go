package main

import "feedin-alerts/internal/cli"

func main() {
	cli.Execute()
}
