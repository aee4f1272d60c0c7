package main

import "github.com/oshokin/nativepack/cmd/nativepack/cmd"

func main() {
	cmd.Execute()
}
