package main

import (
	"os"

	"dirsynch/cmd"
)

func main() {
	if len(os.Args) > 1 && !isKnownCommand(os.Args[1]) {
		// bare "dirsynch <src> <dst>" starts the watch daemon
		os.Args = append([]string{os.Args[0], "watch"}, os.Args[1:]...)
	}
	cmd.Execute()
}

func isKnownCommand(arg string) bool {
	switch arg {
	case "watch", "sync", "resync", "status", "stop", "history", "help", "completion", "-h", "--help":
		return true
	}
	return false
}
