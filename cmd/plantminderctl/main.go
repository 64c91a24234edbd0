// plantminderctl is the CLI client for the plantminderd gateway daemon.
package main

import "github.com/nand-nor/plant-minder/cmd/plantminderctl/commands"

func main() {
	commands.Execute()
}
