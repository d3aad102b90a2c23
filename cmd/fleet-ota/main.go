package main

import "github.com/oshokin/fleet-ota/cmd/fleet-ota/cmd"

func main() {
	cmd.Execute()
}
