package main

import "github.com/coderenew/scan-engine/cmd"

func main() {
	cmd.Execute()
}
