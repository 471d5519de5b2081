package main

import (
	"github.com/sidkik/zynk/cmd"
	"github.com/sidkik/zynk/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
