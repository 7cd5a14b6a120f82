package main

import "github.com/hsdfat8/diam-node/cmd/diameter-relay/commands"

func main() {
	commands.Execute()
}
