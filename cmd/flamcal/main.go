package main

import (
	"os"

	appLog "flamcal/internal/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		appLog.Error("flamcal failed", err)
		os.Exit(1)
	}
}
