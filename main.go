package main

import "github.com/duynguyen-ops/chatloom/cmd"

func main() {
	cmd.Execute()
}
