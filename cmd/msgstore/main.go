package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"

	"msgstore/internal/app"
)

func main() {
	_ = godotenv.Load(".env")
	cfgPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := app.Run(*cfgPath); err != nil {
		log.Fatalf("msgstore: %v", err)
	}
}
