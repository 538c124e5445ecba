package main

import "onemcp/cmd"

func main() {
	cmd.Execute()
}
