package main

import "github.com/davarch/stage-watcher/cmd/stage-watcher/cli"

func main() {
	cli.Execute()
}
