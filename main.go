package main

import "hostfs/cmd"

func main() {
	cmd.Execute()
}
