package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"giftcard-autopilot-go/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		logrus.Errorf("application error: %v", err)
		os.Exit(1)
	}
}
