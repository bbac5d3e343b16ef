package main

import "obdlink/cmd"

func main() {
	cmd.Execute()
}
