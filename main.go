package main

import "github.com/openagentos/agentos/cmd"

func main() {
	cmd.Execute()
}
