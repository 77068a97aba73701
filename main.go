package main

import "github.com/andrewmarklloyd/pi-alarm/cmd"

func main() {
	cmd.Execute()
}
