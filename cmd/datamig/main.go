package main

import (
	"context"
	"log"
	"os"

	"github.com/mantty/datamig/command"
)

const (
	version = "0.1.0"
)

func main() {
	if err := command.New(version).Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
