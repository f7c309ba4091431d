package main

import (
	"context"
	"log"
	"os"

	"github.com/parsec-cloud/parsec-server/internal/admincli"
)

func main() {
	app := admincli.NewApp()
	if err := app.Run(context.Background(), os.Args[1:]); err != nil {
		log.Fatalf("%v", err)
	}
}
