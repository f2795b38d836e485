package main

import "github.com/nextlevelbuilder/clawrelay/cmd"

func main() {
	cmd.Execute()
}
