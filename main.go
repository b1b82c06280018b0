package main

import "github.com/nvmax/AutogenDiscordbot/cmd"

func main() {
	cmd.Execute()
}
