package main

import (
	"context"
	"log"
	"os"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/in_mongo_s3"
	"github.com/chronosdb/chronos/rest_api"
)

// Sample app serving the record API over the engine. Point CHRONOS_CONFIG at
// your deployment's config file, e.g. examples in the repo README.
func main() {
	chronos.ConfigureLogging()

	path := os.Getenv("CHRONOS_CONFIG")
	if path == "" {
		path = "chronos.yaml"
	}
	cfg, err := chronos.LoadConfig(path)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	engine, err := in_mongo_s3.New(ctx, in_mongo_s3.Options{Config: cfg})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Stop(ctx)

	if err := rest_api.Main(engine, os.Getenv("CHRONOS_LISTEN")); err != nil {
		log.Fatal(err)
	}
}
