package main

import "taskq/cmd"

func main() {
	cmd.Run()
}
