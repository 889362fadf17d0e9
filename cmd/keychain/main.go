package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "keychain",
		Usage: "Wallet keychain service and tools",
		Commands: []*cli.Command{
			serveCommand(),
			verifyOriginCommand(),
			trackCommand(),
		},
	}
}
