package main

import "github.com/cockroachdb/dsinspect/cmd"

func main() {
	cmd.Execute()
}
