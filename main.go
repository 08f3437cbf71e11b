package main

import (
	"AzanFM/cmd"
)

func main() {
	cmd.Execute()
}
