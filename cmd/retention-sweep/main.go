// retention-sweep runs one Retention Sweeper pass out-of-process (§4.10),
// for deployments that prefer an external cron to the in-process daily
// ticker cmd/server also runs.
package main

import (
	"log"
	"os"
	"time"

	"github.com/technosupport/sentrymesh/internal/config"
	"github.com/technosupport/sentrymesh/internal/retention"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	sweeper := retention.NewSweeper([]string{cfg.Evidence.LocalDir, cfg.Alert.SpoolDir}, cfg.Retention.Days)
	result := sweeper.SweepOnce(time.Now())
	log.Printf("retention-sweep: %d files deleted, %d bytes freed, %d errors", result.FilesDeleted, result.BytesFreed, result.Errors)
}
