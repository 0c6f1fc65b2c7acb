package main

import "github.com/nextlevelbuilder/gasflow/cmd"

func main() {
	cmd.Execute()
}
