// udpcorectl -- command-line client for sending, broadcasting and
// listening through a udpcore transport.
package main

import "github.com/dantte-lp/udpcore/cmd/udpcorectl/commands"

func main() {
	commands.Execute()
}
