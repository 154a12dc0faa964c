package main

import "github.com/nextlevelbuilder/reswarm/cmd"

func main() {
	cmd.Execute()
}
