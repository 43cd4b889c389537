package main

import (
	"github.com/embra/widgetbridge/cmd"
)

func main() {
	cmd.Execute()
}
