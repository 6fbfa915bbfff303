package main

import "github.com/replyloop/replyloop/cmd"

func main() {
	cmd.Execute()
}
