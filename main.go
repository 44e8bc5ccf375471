package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	alertapp "redmite-cloud/internal/alerts/application"
	alertrepo "redmite-cloud/internal/alerts/infrastructure/postgres"
	alertnotify "redmite-cloud/internal/alerts/notify"
	apihttp "redmite-cloud/internal/api/http"
	"redmite-cloud/internal/auth"
	"redmite-cloud/internal/devices/application"
	devices "redmite-cloud/internal/devices/domain"
	"redmite-cloud/internal/devices/infrastructure/clickhouse"
	devicerepo "redmite-cloud/internal/devices/infrastructure/postgres"
	"redmite-cloud/internal/observability/metrics"
	telemetry "redmite-cloud/internal/telemetry/mqtt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	snapshotRepo := devicerepo.NewSnapshotRepository(db)
	historyRepo := devicerepo.NewHistoryRepository(db)
	subscriptionRepo := alertrepo.NewSubscriptionRepository(db)

	var detectionStore *clickhouse.DetectionStore
	if cfg.ClickHouseAddr != "" {
		detectionStore, err = clickhouse.NewDetectionStore(context.Background(), clickhouse.Options{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			logger.Fatalf("clickhouse error: %v", err)
		}
		defer detectionStore.Close()
	}

	store := application.NewStateStore()
	warmStore(store, snapshotRepo, logger)

	service, err := application.NewService(store, historyRepo, logger)
	if err != nil {
		logger.Fatalf("device service error: %v", err)
	}

	alertCfg, err := alertapp.LoadConfig()
	if err != nil {
		logger.Fatalf("alerts config error: %v", err)
	}
	notifier, err := alertapp.NewNotifier(subscriptionRepo, subscriptionRepo, alertnotify.NewWebhookChannel(), logger,
		alertapp.WithRequestTimeout(alertCfg.RequestTimeout))
	if err != nil {
		logger.Fatalf("alert notifier error: %v", err)
	}
	scheduler, err := alertapp.NewScheduler(notifier, logger, alertapp.WithBuffer(alertCfg.Buffer))
	if err != nil {
		logger.Fatalf("alert scheduler error: %v", err)
	}
	defer scheduler.Close()

	if alertCfg.SweepEnabled {
		poller, err := alertapp.NewPoller(store, notifier, alertCfg.SweepInterval, alertCfg.Buffer, logger)
		if err != nil {
			logger.Fatalf("alert poller error: %v", err)
		}
		go poller.Run(context.Background())
	}

	broker := apihttp.NewBroker()

	// Observer order matters: history and snapshot rows must exist before
	// alerts or stream consumers react to the update.
	store.OnUpdate(func(state devices.State) {
		if err := historyRepo.Record(context.Background(), state); err != nil {
			logger.Printf("history record for %s@%s: %v", state.DeviceID, state.Server, err)
		}
	})
	store.OnUpdate(func(state devices.State) {
		if err := snapshotRepo.Save(context.Background(), state); err != nil {
			logger.Printf("snapshot save for %s@%s: %v", state.DeviceID, state.Server, err)
		}
	})
	store.OnUpdate(scheduler.HandleUpdate)
	store.OnUpdate(broker.Broadcast)

	var detectionWriter telemetry.DetectionWriter
	if detectionStore != nil {
		detectionWriter = detectionStore
	}

	downlinks := make([]apihttp.Downlink, 0, len(cfg.MQTTBrokers))
	for server, brokerURL := range cfg.MQTTBrokers {
		client, err := telemetry.NewClient(telemetry.ClientConfig{
			BrokerURL: brokerURL,
			Server:    server,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, logger)
		if err != nil {
			logger.Fatalf("mqtt connect %s: %v", server, err)
		}
		defer client.Close()

		subscriber, err := telemetry.NewSubscriber(client, store, detectionWriter, logger)
		if err != nil {
			logger.Fatalf("mqtt subscriber %s: %v", server, err)
		}
		if err := subscriber.Subscribe(); err != nil {
			logger.Fatalf("mqtt subscribe %s: %v", server, err)
		}

		publisher, err := telemetry.NewPublisher(client, logger)
		if err != nil {
			logger.Fatalf("mqtt publisher %s: %v", server, err)
		}
		downlinks = append(downlinks, publisher)
	}

	exportXLSX, err := apihttp.NewOperationsExportHandler(service, "xlsx")
	if err != nil {
		logger.Fatalf("xlsx export handler error: %v", err)
	}
	exportPDF, err := apihttp.NewOperationsExportHandler(service, "pdf")
	if err != nil {
		logger.Fatalf("pdf export handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/devices", apihttp.NewDevicesHandler(service))
	mux.Handle("/api/v1/devices/state", apihttp.NewStateHandler(service))
	mux.Handle("/api/v1/devices/operations", apihttp.NewOperationsHandler(service))
	mux.Handle("/api/v1/devices/operations/export.xlsx", exportXLSX)
	mux.Handle("/api/v1/devices/operations/export.pdf", exportPDF)
	if detectionStore != nil {
		mux.Handle("/api/v1/devices/detections", apihttp.NewDetectionsHandler(service, detectionStore))
	}
	mux.Handle("/api/v1/devices/stream", apihttp.NewStreamHandler(broker, service, logger))
	mux.Handle("/api/v1/devices/config", apihttp.NewConfigPushHandler(downlinks, logger))
	mux.Handle("/api/v1/devices/ota", apihttp.NewOTAPushHandler(downlinks, logger))
	mux.Handle("/api/v1/alerts/subscribe", apihttp.NewSubscribeHandler(subscriptionRepo))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", apihttp.HealthHandler{})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

// warmStore replays persisted snapshots so schedules and alerts survive a
// restart without waiting for the next trap report.
func warmStore(store *application.StateStore, repo *devicerepo.SnapshotRepository, logger *log.Logger) {
	states, err := repo.LoadAll(context.Background())
	if err != nil {
		logger.Printf("snapshot load: %v", err)
		return
	}
	for _, state := range states {
		customer := state.Customer
		location := state.Location
		house := state.House
		inHouseLoc := state.InHouseLoc
		contact := state.Contact
		store.Set(state.Key(), application.Update{
			Customer:   &customer,
			Location:   &location,
			House:      &house,
			InHouseLoc: &inHouseLoc,
			Contact:    &contact,
			Config:     state.Config,
			Status:     state.Status,
		})
	}
	if len(states) > 0 {
		logger.Printf("restored %d trap snapshots", len(states))
	}
}

type config struct {
	DatabaseURL        string
	HTTPAddr           string
	JWTSecret          string
	MQTTBrokers        map[string]string
	MQTTUsername       string
	MQTTPassword       string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:        getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:          getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		MQTTBrokers:        parseBrokers(getenvDefault("MQTT_BROKERS", "")),
		MQTTUsername:       getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:       getenvDefault("MQTT_PASSWORD", ""),
		ClickHouseAddr:     getenvDefault("CLICKHOUSE_ADDR", ""),
		ClickHouseDatabase: getenvDefault("CLICKHOUSE_DATABASE", "redmite"),
		ClickHouseUsername: getenvDefault("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: getenvDefault("CLICKHOUSE_PASSWORD", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	if len(cfg.MQTTBrokers) == 0 {
		log.Fatal("MQTT_BROKERS is required, e.g. eu=ssl://broker.example.com:8883")
	}
	return cfg
}

// parseBrokers reads a comma separated list of name=url pairs, one per
// upstream broker. The name is the logical server a trap reports through.
func parseBrokers(raw string) map[string]string {
	brokers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok || name == "" || url == "" {
			log.Fatalf("malformed MQTT_BROKERS entry %q", pair)
		}
		brokers[name] = url
	}
	return brokers
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
