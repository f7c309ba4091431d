package main

import (
	"context"
	"log"

	"github.com/parsec-cloud/parsec-server/internal/server"
	"github.com/parsec-cloud/parsec-server/internal/server/config"
)

func main() {
	cfg := config.LoadConfig()
	app, err := server.NewApp(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := app.Run(context.Background()); err != nil {
		log.Fatalf("%v", err)
	}
}
