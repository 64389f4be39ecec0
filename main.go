package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lindend/lsmkv/internal/config"
	"github.com/lindend/lsmkv/internal/db"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		rootDir    = flag.String("dir", "./data", "root directory for collections")
		numEntries = flag.Int("n", 100000, "number of entries to write in the demo")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load config")
		}
		cfg = loaded
	}

	demo(*rootDir, cfg, *numEntries)
}

func demo(rootDir string, cfg config.Config, numEntries int) {
	collection, err := db.NewCollection(rootDir, "demo", cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open collection")
	}

	start := time.Now()
	for i := 0; i < numEntries; i++ {
		key := []byte("message" + strconv.Itoa(i))
		value := []byte("Hello World " + strconv.Itoa(i))
		if err := collection.Set(key, value); err != nil {
			log.Fatal().Err(err).Msg("Set failed")
		}
	}
	fmt.Println("Insert: ", time.Since(start))

	start = time.Now()
	value, found, err := collection.Get([]byte("message1000"))
	if err != nil {
		log.Fatal().Err(err).Msg("Get failed")
	}
	fmt.Println("Get: ", time.Since(start), found)
	fmt.Println(string(value))

	if err := collection.Flush(); err != nil {
		log.Fatal().Err(err).Msg("Flush failed")
	}
	if err := collection.Compact(); err != nil {
		log.Fatal().Err(err).Msg("Compact failed")
	}

	start = time.Now()
	it, err := collection.Scan([]byte("message1000"), []byte("message1010"))
	if err != nil {
		log.Fatal().Err(err).Msg("Scan failed")
	}
	count := 0
	for it.HasNext() {
		if _, err := it.Next(); err != nil {
			log.Fatal().Err(err).Msg("Scan failed")
		}
		count++
	}
	fmt.Println("Scan: ", time.Since(start), count, "entries")

	if err := collection.Close(); err != nil {
		log.Fatal().Err(err).Msg("Close failed")
	}
}
