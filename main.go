package main

import "github.com/Bidon15/popsigner/provisioner/cmd"

func main() {
	cmd.Execute()
}
