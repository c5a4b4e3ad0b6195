package main

import (
	"os"

	"github.com/airlog/airlog/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
