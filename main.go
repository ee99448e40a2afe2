package main

import "github.com/jmehdipour/social-publisher/cmd"

func main() {
	cmd.Execute()
}
