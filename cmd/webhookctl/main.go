package main

import (
	"os"

	"github.com/guyinwonder168/redmine-webhook-plugin/cmd/webhookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
