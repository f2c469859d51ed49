// Package config loads sentrymesh's runtime configuration: YAML file
// defaults overridden by environment variables, the same two-tier scheme
// the teacher's cmd/server/main.go performs inline against config/default.yaml,
// generalized here into one typed loader with a Watcher type for hot
// reload (adapted from internal/license.Manager.StartWatcher's
// fsnotify-with-polling-fallback pattern).
package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the full set of runtime knobs, loaded from YAML and then
// overridden field-by-field from environment variables.
type Config struct {
	DBHost     string `yaml:"db_host"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`

	RedisAddr string `yaml:"redis_addr"`
	NATSURL   string `yaml:"nats_url"`

	CredentialPepper string `yaml:"credential_pepper"`
	AdminCredential  string `yaml:"admin_credential"`

	Port int `yaml:"port"`

	Quota struct {
		Limit  int `yaml:"limit"`
		Window int `yaml:"window_seconds"`
	} `yaml:"quota"`

	Analyzer struct {
		ScreenIntervalS  float64 `yaml:"screen_interval_s"`
		ShortWindowS     float64 `yaml:"short_window_s"`
		LongWindowS      float64 `yaml:"long_window_s"`
		ConfirmThreshold int     `yaml:"confirm_threshold"`
	} `yaml:"analyzer"`

	Vision struct {
		ScreenerURL  string `yaml:"screener_url"`
		ConfirmerURL string `yaml:"confirmer_url"`
	} `yaml:"vision"`

	Dedup struct {
		CooldownS int    `yaml:"cooldown_s"`
		TTLS      int    `yaml:"ttl_s"`
		Path      string `yaml:"path"`
		HotSize   int    `yaml:"hot_size"`
	} `yaml:"dedup"`

	Evidence struct {
		BaseURL        string `yaml:"base_url"`
		SharedSecret   string `yaml:"shared_secret"`
		LocalDir       string `yaml:"local_dir"`
		RetentionHours int    `yaml:"retention_hours"`
	} `yaml:"evidence"`

	Alert struct {
		SMTPHost              string `yaml:"smtp_host"`
		SMTPPort              int    `yaml:"smtp_port"`
		SMTPUsername          string `yaml:"smtp_username"`
		SMTPPassword          string `yaml:"smtp_password"`
		FromAddress           string `yaml:"from_address"`
		SpoolDir              string `yaml:"spool_dir"`
		TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
	} `yaml:"alert"`

	Retention struct {
		Days int `yaml:"retention_days"`
	} `yaml:"retention"`
}

// Default returns a Config with the spec's stated defaults (§4.2-§4.10).
func Default() Config {
	var c Config
	c.Port = 8080
	c.RedisAddr = "localhost:6379"
	c.NATSURL = "nats://localhost:4222"
	c.Quota.Limit = 1000
	c.Quota.Window = 3600
	c.Analyzer.ScreenIntervalS = 3
	c.Analyzer.ShortWindowS = 3
	c.Analyzer.LongWindowS = 10
	c.Analyzer.ConfirmThreshold = 1
	c.Dedup.CooldownS = 300
	c.Dedup.TTLS = 86400
	c.Dedup.Path = "data/dedup.json"
	c.Dedup.HotSize = 4096
	c.Evidence.RetentionHours = 24 * 7
	c.Alert.SMTPPort = 587
	c.Retention.Days = 30
	return c
}

// Load reads yamlPath (if present) over Default(), then applies env
// overrides. A missing YAML file is not an error: defaults and env take
// over entirely, matching the teacher's tolerant os.ReadFile + ignored-error
// pattern in cmd/server/main.go.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	str(&c.DBHost, "DB_HOST")
	str(&c.DBUser, "DB_USER")
	str(&c.DBPassword, "DB_PASSWORD")
	str(&c.DBName, "DB_NAME")
	str(&c.RedisAddr, "REDIS_ADDR")
	str(&c.NATSURL, "NATS_URL")
	str(&c.CredentialPepper, "CREDENTIAL_PEPPER")
	str(&c.AdminCredential, "ADMIN_CREDENTIAL")
	intVal(&c.Port, "PORT")

	str(&c.Vision.ScreenerURL, "VISION_SCREENER_URL")
	str(&c.Vision.ConfirmerURL, "VISION_CONFIRMER_URL")

	str(&c.Evidence.BaseURL, "EVIDENCE_BASE_URL")
	str(&c.Evidence.SharedSecret, "EVIDENCE_SHARED_SECRET")
	str(&c.Evidence.LocalDir, "EVIDENCE_LOCAL_DIR")

	str(&c.Alert.SMTPHost, "SMTP_HOST")
	intVal(&c.Alert.SMTPPort, "SMTP_PORT")
	str(&c.Alert.SMTPUsername, "SMTP_USERNAME")
	str(&c.Alert.SMTPPassword, "SMTP_PASSWORD")
	str(&c.Alert.FromAddress, "SMTP_FROM_ADDRESS")
	str(&c.Alert.SpoolDir, "ALERT_SPOOL_DIR")

	intVal(&c.Retention.Days, "RETENTION_DAYS")

	for env, dst := range map[string]*float64{
		"SCREEN_INTERVAL_S": &c.Analyzer.ScreenIntervalS,
		"SHORT_WINDOW_S":    &c.Analyzer.ShortWindowS,
		"LONG_WINDOW_S":     &c.Analyzer.LongWindowS,
	} {
		if v := os.Getenv(env); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else {
				log.Printf("[config] ignoring invalid %s=%q: %v", env, v, err)
			}
		}
	}
	intVal(&c.Analyzer.ConfirmThreshold, "CONFIRM_THRESHOLD")
	intVal(&c.Dedup.CooldownS, "DEDUP_COOLDOWN_S")
	intVal(&c.Dedup.TTLS, "DEDUP_TTL_S")
}

func str(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func intVal(dst *int, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q: %v", env, v, err)
		return
	}
	*dst = n
}

// Watcher hot-reloads the YAML file backing a Config, calling onReload with
// the newly loaded value on every change. Mirrors internal/license's
// fsnotify-with-polling-fallback discipline.
type Watcher struct {
	Path     string
	OnReload func(Config)
}

// Start runs until ctx is cancelled. If fsnotify cannot watch Path, it falls
// back to 60s polling — the same fallback the teacher's license watcher
// uses when the file doesn't exist yet or the platform lacks inotify.
func (w *Watcher) Start(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("[config] fsnotify unavailable (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(w.Path); err != nil {
		log.Printf("[config] cannot watch %s (%v), falling back to polling", w.Path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						time.Sleep(100 * time.Millisecond)
						w.reload()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[config] watch error: %v", err)
				}
			}
		}()
		return
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.reload()
			}
		}
	}()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.Path)
	if err != nil {
		log.Printf("[config] reload of %s failed: %v", w.Path, err)
		return
	}
	if w.OnReload != nil {
		w.OnReload(cfg)
	}
}
