package main

import (
	"os"

	"github.com/telhawk-systems/courier/courier/internal/ctl"
)

func main() {
	if err := ctl.Execute(); err != nil {
		os.Exit(1)
	}
}
