// Package config resolves runtime settings from flags with environment
// fallbacks. Every flag has a NEXTTUBE_* environment twin; flags win.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Geetur/NextTube/internal/transcode"
)

type PostgresSettings struct {
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	AppName         string
}

type ObjectStoreSettings struct {
	Driver    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type RedisSettings struct {
	Addr              string
	Username          string
	Password          string
	QueueKey          string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	TLSCAFile         string
	TLSCertFile       string
	TLSKeyFile        string
	TLSServerName     string
}

type WorkerSettings struct {
	Count             int
	EncodeConcurrency int
	WorkDir           string
	FFmpegBinary      string
	EncodeTimeout     time.Duration
	SegmentSeconds    int
	ReclaimInterval   time.Duration
}

type Config struct {
	Addr          string
	LogLevel      string
	LogFormat     string
	StorageDriver string
	QueueDriver   string
	Postgres      PostgresSettings
	ObjectStore   ObjectStoreSettings
	Redis         RedisSettings
	Worker        WorkerSettings
	Ladder        transcode.Ladder
}

// Load parses args into a Config. The flag set is named for usage output.
func Load(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	addr := fs.String("addr", "", "HTTP listen address")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	storageDriver := fs.String("storage-driver", "", "metadata store driver (memory or postgres)")
	queueDriver := fs.String("queue-driver", "", "work queue driver (memory or redis)")

	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := fs.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := fs.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")

	objectDriver := fs.String("object-driver", "", "object store driver (memory or minio)")
	objectEndpoint := fs.String("object-endpoint", "", "S3-compatible endpoint host:port")
	objectAccessKey := fs.String("object-access-key", "", "object store access key")
	objectSecretKey := fs.String("object-secret-key", "", "object store secret key")
	objectBucket := fs.String("object-bucket", "", "object store bucket")
	objectRegion := fs.String("object-region", "", "object store region")
	objectUseSSL := fs.Bool("object-use-ssl", false, "connect to the object store over TLS")

	redisAddr := fs.String("redis-addr", "", "Redis address for the work queue")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	queueKey := fs.String("queue-key", "", "Redis list carrying job descriptors")
	queuePoll := fs.Duration("queue-poll-interval", 0, "blocking dequeue window")
	queueVisibility := fs.Duration("queue-visibility-timeout", 0, "lease duration before a dequeued job is reclaimable")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "expected Redis TLS server name")

	workerCount := fs.Int("workers", 0, "number of concurrent worker loops")
	encodeConcurrency := fs.Int("encode-concurrency", 0, "parallel encodes within one job")
	workDir := fs.String("work-dir", "", "scratch directory for in-flight jobs")
	ffmpegBinary := fs.String("ffmpeg", "", "path to the ffmpeg binary")
	encodeTimeout := fs.Duration("encode-timeout", 0, "per-rendition encode timeout (0 disables)")
	segmentSeconds := fs.Int("segment-seconds", 0, "HLS segment target duration in seconds")
	reclaimInterval := fs.Duration("reclaim-interval", 0, "interval between lease reclaim sweeps")

	ladderSpec := fs.String("ladder", "", "encode ladder as height:videoKbps:audioKbps triples, comma separated")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:          firstNonEmpty(*addr, os.Getenv("NEXTTUBE_ADDR"), ":8080"),
		LogLevel:      firstNonEmpty(*logLevel, os.Getenv("NEXTTUBE_LOG_LEVEL"), "info"),
		LogFormat:     firstNonEmpty(*logFormat, os.Getenv("NEXTTUBE_LOG_FORMAT"), "json"),
		StorageDriver: firstNonEmpty(*storageDriver, os.Getenv("NEXTTUBE_STORAGE_DRIVER"), "memory"),
		QueueDriver:   firstNonEmpty(*queueDriver, os.Getenv("NEXTTUBE_QUEUE_DRIVER"), "memory"),
		Postgres: PostgresSettings{
			DSN:             firstNonEmpty(*postgresDSN, os.Getenv("NEXTTUBE_POSTGRES_DSN")),
			MaxConns:        resolveInt(*postgresMaxConns, "NEXTTUBE_POSTGRES_MAX_CONNS"),
			MinConns:        resolveInt(*postgresMinConns, "NEXTTUBE_POSTGRES_MIN_CONNS"),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "NEXTTUBE_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "NEXTTUBE_POSTGRES_MAX_CONN_IDLE", 0),
			HealthInterval:  resolveDuration(*postgresHealthInterval, "NEXTTUBE_POSTGRES_HEALTH_INTERVAL", 0),
			AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "NEXTTUBE_POSTGRES_ACQUIRE_TIMEOUT", 0),
			AppName:         firstNonEmpty(*postgresAppName, os.Getenv("NEXTTUBE_POSTGRES_APP_NAME")),
		},
		ObjectStore: ObjectStoreSettings{
			Driver:    firstNonEmpty(*objectDriver, os.Getenv("NEXTTUBE_OBJECT_DRIVER"), "memory"),
			Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("NEXTTUBE_OBJECT_ENDPOINT")),
			AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("NEXTTUBE_OBJECT_ACCESS_KEY")),
			SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("NEXTTUBE_OBJECT_SECRET_KEY")),
			Bucket:    firstNonEmpty(*objectBucket, os.Getenv("NEXTTUBE_OBJECT_BUCKET"), "media"),
			Region:    firstNonEmpty(*objectRegion, os.Getenv("NEXTTUBE_OBJECT_REGION")),
			UseSSL:    resolveBool(*objectUseSSL, "NEXTTUBE_OBJECT_USE_SSL"),
		},
		Redis: RedisSettings{
			Addr:              firstNonEmpty(*redisAddr, os.Getenv("NEXTTUBE_REDIS_ADDR")),
			Username:          firstNonEmpty(*redisUsername, os.Getenv("NEXTTUBE_REDIS_USERNAME")),
			Password:          firstNonEmpty(*redisPassword, os.Getenv("NEXTTUBE_REDIS_PASSWORD")),
			QueueKey:          firstNonEmpty(*queueKey, os.Getenv("NEXTTUBE_QUEUE_KEY"), "jobs:transcode"),
			PollInterval:      resolveDuration(*queuePoll, "NEXTTUBE_QUEUE_POLL_INTERVAL", 2*time.Second),
			VisibilityTimeout: resolveDuration(*queueVisibility, "NEXTTUBE_QUEUE_VISIBILITY_TIMEOUT", 10*time.Minute),
			TLSCAFile:         firstNonEmpty(*redisTLSCA, os.Getenv("NEXTTUBE_REDIS_TLS_CA")),
			TLSCertFile:       firstNonEmpty(*redisTLSCert, os.Getenv("NEXTTUBE_REDIS_TLS_CERT")),
			TLSKeyFile:        firstNonEmpty(*redisTLSKey, os.Getenv("NEXTTUBE_REDIS_TLS_KEY")),
			TLSServerName:     firstNonEmpty(*redisTLSServerName, os.Getenv("NEXTTUBE_REDIS_TLS_SERVER_NAME")),
		},
		Worker: WorkerSettings{
			Count:             defaultInt(resolveInt(*workerCount, "NEXTTUBE_WORKERS"), 1),
			EncodeConcurrency: defaultInt(resolveInt(*encodeConcurrency, "NEXTTUBE_ENCODE_CONCURRENCY"), 1),
			WorkDir:           firstNonEmpty(*workDir, os.Getenv("NEXTTUBE_WORK_DIR")),
			FFmpegBinary:      firstNonEmpty(*ffmpegBinary, os.Getenv("NEXTTUBE_FFMPEG"), "ffmpeg"),
			EncodeTimeout:     resolveDuration(*encodeTimeout, "NEXTTUBE_ENCODE_TIMEOUT", 0),
			SegmentSeconds:    defaultInt(resolveInt(*segmentSeconds, "NEXTTUBE_SEGMENT_SECONDS"), 4),
			ReclaimInterval:   resolveDuration(*reclaimInterval, "NEXTTUBE_RECLAIM_INTERVAL", time.Minute),
		},
	}

	ladder, err := resolveLadder(firstNonEmpty(*ladderSpec, os.Getenv("NEXTTUBE_LADDER")))
	if err != nil {
		return Config{}, err
	}
	cfg.Ladder = ladder

	switch cfg.StorageDriver {
	case "memory", "postgres":
	default:
		return Config{}, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
	if cfg.StorageDriver == "postgres" && cfg.Postgres.DSN == "" {
		return Config{}, fmt.Errorf("postgres storage driver requires a DSN")
	}
	switch cfg.QueueDriver {
	case "memory", "redis":
	default:
		return Config{}, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
	if cfg.QueueDriver == "redis" && cfg.Redis.Addr == "" {
		return Config{}, fmt.Errorf("redis queue driver requires an address")
	}
	switch cfg.ObjectStore.Driver {
	case "memory", "minio":
	default:
		return Config{}, fmt.Errorf("unknown object store driver %q", cfg.ObjectStore.Driver)
	}
	if cfg.ObjectStore.Driver == "minio" && cfg.ObjectStore.Endpoint == "" {
		return Config{}, fmt.Errorf("minio object store driver requires an endpoint")
	}
	return cfg, nil
}

// resolveLadder parses "240:400:96,480:800:96" triples. Empty uses the stock
// ladder.
func resolveLadder(spec string) (transcode.Ladder, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return transcode.DefaultLadder(), nil
	}
	var profiles []transcode.Profile
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return transcode.Ladder{}, fmt.Errorf("ladder entry %q: want height:videoKbps:audioKbps", entry)
		}
		values := make([]int, 3)
		for i, part := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return transcode.Ladder{}, fmt.Errorf("ladder entry %q: %w", entry, err)
			}
			values[i] = v
		}
		profiles = append(profiles, transcode.Profile{
			Height:    values[0],
			VideoKbps: values[1],
			AudioKbps: values[2],
		})
	}
	return transcode.NewLadder(profiles...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseBool(env); err == nil {
			return value
		}
	}
	return false
}

func defaultInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
