package main

import "cogbot/cmd"

func main() {
	cmd.Execute()
}
