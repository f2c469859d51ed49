package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/sentrymesh/internal/alertdispatch"
	"github.com/technosupport/sentrymesh/internal/analyzer"
	"github.com/technosupport/sentrymesh/internal/api"
	"github.com/technosupport/sentrymesh/internal/audit"
	"github.com/technosupport/sentrymesh/internal/config"
	"github.com/technosupport/sentrymesh/internal/credential"
	"github.com/technosupport/sentrymesh/internal/data"
	"github.com/technosupport/sentrymesh/internal/dedup"
	"github.com/technosupport/sentrymesh/internal/eventbus"
	"github.com/technosupport/sentrymesh/internal/evidence"
	"github.com/technosupport/sentrymesh/internal/incident"
	"github.com/technosupport/sentrymesh/internal/metrics"
	"github.com/technosupport/sentrymesh/internal/middleware"
	"github.com/technosupport/sentrymesh/internal/quota"
	"github.com/technosupport/sentrymesh/internal/retention"
	"github.com/technosupport/sentrymesh/internal/ring"
	"github.com/technosupport/sentrymesh/internal/tenant"
	"github.com/technosupport/sentrymesh/internal/vision"
)

// assumedFPS is the ingest rate used to size each source's ring (§4.1: N =
// ceil(long_window_seconds * fps)). Sources submit individual still frames
// rather than a continuous stream, so this is a capacity assumption, not a
// measured rate.
const assumedFPS = 5

// endpointCosts assigns a quota weight to the heavier endpoints (§4.9); any
// endpoint not listed here costs 1.
var endpointCosts = map[string]float64{
	"analyze_on_demand": 5,
	"evidence_assemble":  3,
	"evidence_compress":  3,
}

func endpointCost(endpoint string) float64 {
	if c, ok := endpointCosts[endpoint]; ok {
		return c
	}
	return 1
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// coordinatorMetricsAdapter satisfies incident.Metrics over the shared
// registry. The coordinator's interface carries no incident-kind label, so
// every dedup event is recorded under the single "incident" bucket; per-kind
// breakdown is still available from the analyzer's own screener/confirmer
// counters.
type coordinatorMetricsAdapter struct {
	reg *metrics.Registry
}

func (c coordinatorMetricsAdapter) DedupSuppressed() { c.reg.DedupSuppressed.WithLabelValues("incident").Inc() }
func (c coordinatorMetricsAdapter) DedupRecorded()   { c.reg.DedupRecorded.WithLabelValues("incident").Inc() }

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	// 1. Database
	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	defer db.Close()
	if err := data.Bootstrap(context.Background(), db); err != nil {
		log.Fatalf("db bootstrap error: %v", err)
	}

	// 2. Redis (quota)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("warning: redis ping failed, quota enforcement degraded: %v", err)
	}

	// 3. NATS (eventbus, optional)
	var eb *eventbus.Publisher
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("sentrymesh"))
	if err != nil {
		log.Printf("warning: nats connect failed, eventbus disabled: %v", err)
	} else {
		eb = eventbus.NewPublisher(nc)
		defer nc.Close()
	}

	// 4. Credential digest
	digester, err := credential.NewDigester(cfg.CredentialPepper)
	if err != nil {
		log.Fatalf("credential pepper error: %v", err)
	}

	// 4.5 Admin action audit trail. Falls back to a local JSONL spool on DB
	// failure and replays it in the background once Postgres recovers.
	auditService := audit.NewService(db)
	auditCtx, cancelAudit := context.WithCancel(context.Background())
	auditService.StartReplayer(auditCtx)
	defer cancelAudit()

	// 5. Data layer
	tenants := data.TenantModel{DB: db}
	credentials := data.CredentialModel{DB: db}
	usage := data.UsageModel{DB: db}

	// 6. Quota
	quotaChecker := quota.NewChecker(rdb)
	quotaConfig := quota.Config{Limit: cfg.Quota.Limit, Window: time.Duration(cfg.Quota.Window) * time.Second}

	gate := &tenant.Gate{
		Credentials:  credentials,
		Tenants:      tenants,
		Usage:        usage,
		Digester:     digester,
		Quota:        quotaChecker,
		QuotaConfig:  quotaConfig,
		EndpointCost: endpointCost,
	}

	// 7. Metrics
	reg := metrics.NewRegistry()

	// 8. Dedup cache
	dedupCache := dedup.New(cfg.Dedup.Path, cfg.Dedup.HotSize)
	dedupCache.Load()
	defer dedupCache.FlushNow()

	// 9. Evidence publisher
	publisher := evidence.NewPublisher(cfg.Evidence.BaseURL, cfg.Evidence.SharedSecret, cfg.Evidence.LocalDir, cfg.Evidence.RetentionHours)

	// 10. Alert dispatcher
	dispatcher := alertdispatch.NewDispatcher(alertdispatch.Config{
		Host:                  cfg.Alert.SMTPHost,
		Port:                  cfg.Alert.SMTPPort,
		Username:              cfg.Alert.SMTPUsername,
		Password:              cfg.Alert.SMTPPassword,
		FromAddress:           cfg.Alert.FromAddress,
		SpoolDir:              cfg.Alert.SpoolDir,
		TLSInsecureSkipVerify: cfg.Alert.TLSInsecureSkipVerify,
	})

	// 11. Incident coordinator
	coordinator := &incident.Coordinator{
		Dedup:      dedupCache,
		Publisher:  publisher,
		Dispatcher: dispatcher,
		Config: incident.Config{
			CooldownS:  time.Duration(cfg.Dedup.CooldownS) * time.Second,
			ClipBudget: incident.DefaultBudget,
		},
		Metrics: coordinatorMetricsAdapter{reg},
	}

	// 12. Vision client
	visionClient := vision.NewClient(
		vision.Endpoint{URL: cfg.Vision.ScreenerURL},
		vision.Endpoint{URL: cfg.Vision.ConfirmerURL},
	)

	// 13. Retention sweeper — clips and offline alerts share one retention window
	sweeper := retention.NewSweeper([]string{cfg.Evidence.LocalDir, cfg.Alert.SpoolDir}, cfg.Retention.Days)
	stopSweeper := make(chan struct{})
	go sweeper.RunDaily(24*time.Hour, stopSweeper)

	// 14. Config hot-reload (quota limit/window only; every other setting,
	// analyzer knobs included, needs a process restart).
	watcher := &config.Watcher{
		Path: cfgPath,
		OnReload: func(newCfg config.Config) {
			quotaConfig = quota.Config{Limit: newCfg.Quota.Limit, Window: time.Duration(newCfg.Quota.Window) * time.Second}
			gate.QuotaConfig = quotaConfig
			log.Printf("[config] reloaded from %s", cfgPath)
		},
	}
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	watcher.Start(watchCtx)
	defer cancelWatch()

	// 15. API server
	srv := &api.Server{
		Registry: api.NewRegistry(),
		Vision:   visionClient,
		AnalyzerConfig: analyzer.Config{
			ScreenIntervalS:  cfg.Analyzer.ScreenIntervalS,
			ShortWindowS:     cfg.Analyzer.ShortWindowS,
			LongWindowS:      cfg.Analyzer.LongWindowS,
			ConfirmThreshold: cfg.Analyzer.ConfirmThreshold,
		},
		RingCapacity:      ring.CapacityFor(cfg.Analyzer.LongWindowS, assumedFPS),
		Coordinator:       coordinator,
		Dedup:             dedupCache,
		EvidencePublisher: publisher,
		Dispatcher:        dispatcher,
		ClipBudget:        incident.DefaultBudget,
		CooldownS:         time.Duration(cfg.Dedup.CooldownS) * time.Second,
		Eventbus:          eb,
		Tenants:           tenants,
		Credentials:       credentials,
		Usage:             usage,
		Digester:          digester,
		Audit:             auditService,
		Metrics:           reg,
	}

	// Background screening scheduler: ticks every registered source's
	// analyzer on its configured screen interval. Sources come into
	// existence lazily (first buffered frame), so this walks whatever the
	// registry currently holds rather than a fixed list.
	screenStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(durationFromSeconds(cfg.Analyzer.ScreenIntervalS))
		defer ticker.Stop()
		for {
			select {
			case <-screenStop:
				return
			case now := <-ticker.C:
				for _, st := range srv.Registry.All() {
					st.Analyzer.Tick(context.Background(), now)
				}
			}
		}
	}()
	defer close(screenStop)

	mux := srv.Routes(gate, cfg.AdminCredential)
	handler := middleware.RequestLogger(middleware.CORS(mux))

	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		log.Printf("sentrymesh listening on :%d", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	close(stopSweeper)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
	log.Println("sentrymesh stopped")
}
