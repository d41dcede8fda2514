package main

import "github.com/micrictor/appwall/cmd"

func main() {
	cmd.Execute()
}
