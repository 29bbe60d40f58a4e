package main

import "github.com/nextlevelbuilder/crewclaw/cmd"

func main() {
	cmd.Execute()
}
