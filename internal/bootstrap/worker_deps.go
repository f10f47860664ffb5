package bootstrap

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"knowledgetree/adapter/out/cache/redisx"
	"knowledgetree/adapter/out/enricher"
	"knowledgetree/adapter/out/graph"
	"knowledgetree/adapter/out/llm/openaix"
	"knowledgetree/adapter/out/messaging/redisstream"
	"knowledgetree/adapter/out/mongodb"
	"knowledgetree/adapter/out/mongodoc"
	"knowledgetree/adapter/out/persistence"
	"knowledgetree/adapter/out/persistence/postgres"
	"knowledgetree/adapter/out/provider/gmail"
	"knowledgetree/config"
	"knowledgetree/core/port/out"
	"knowledgetree/core/service/analyst"
	"knowledgetree/core/service/analyzer"
	"knowledgetree/core/service/changedetector"
	"knowledgetree/core/service/extractor"
	"knowledgetree/core/service/ingest"
	"knowledgetree/core/service/job"
	"knowledgetree/core/service/organizer"
	"knowledgetree/infra/database"
	"knowledgetree/pkg/crypto"
	"knowledgetree/pkg/logger"
	"knowledgetree/pkg/metrics"
	"knowledgetree/pkg/ratelimit"
	"knowledgetree/pkg/snowflake"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies wires every collaborator the pipeline's core expects
// onto a concrete adapter. One instance is shared by the API
// process and the worker process (main.go's -mode=all).
type Dependencies struct {
	Config *config.Config

	DB          *pgxpool.Pool
	SQLDB       *sqlx.DB
	Redis       *redis.Client
	MongoClient *mongo.Client
	MongoDB     *mongo.Database
	Neo4jDriver neo4j.DriverWithContext // nil unless NEO4J_URL is set

	Store       out.Store
	MailSource  out.MailSource
	LLMClient   out.LLMClient
	OAuthRepo   out.OAuthRepository
	Enricher    out.Enricher
	EventSink   out.EventSink
	GraphMirror out.GraphMirror // nil unless Neo4j is configured

	Supervisor *job.Supervisor
}

// NewDependencies connects every backing store and wires the Job
// Supervisor against them. Returns a cleanup func that closes every
// connection opened here, in reverse order, regardless of how far
// construction got before an error; callers should always defer the
// returned func even on error if it is non-nil.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if err := crypto.Init(); err != nil {
		return nil, cleanup, fmt.Errorf("init token encryptor: %w", err)
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, cleanup, fmt.Errorf("connect postgres: %w", err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	sqlxURL := cfg.DatabaseURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		return nil, cleanup, fmt.Errorf("connect sqlx: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	metrics.RegisterPool("postgres", sqlDB.DB)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, cleanup, fmt.Errorf("connect redis: %w", err)
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })

	if cfg.MongoDBURL == "" {
		return nil, cleanup, fmt.Errorf("MONGODB_URL is required: organized snapshots and knowledge trees have no relational home")
	}
	mongoClient, err := mongodb.NewClient(cfg.MongoDBURL, cfg.MongoDBName)
	if err != nil {
		return nil, cleanup, fmt.Errorf("connect mongodb: %w", err)
	}
	deps.MongoClient = mongoClient
	deps.MongoDB = mongoClient.Database(cfg.MongoDBName)
	cleanups = append(cleanups, func() { mongoClient.Disconnect(context.Background()) })

	docs := mongodoc.New(deps.MongoClient, deps.MongoDB)
	if err := docs.EnsureIndexes(context.Background()); err != nil {
		logger.Warn("[bootstrap] mongo index creation failed: %v", err)
	}

	rel := postgres.New(deps.SQLDB)
	deps.Store = persistence.New(rel, docs)

	deps.OAuthRepo = persistence.NewOAuthAdapter(deps.SQLDB)

	deps.MailSource = gmail.NewAdapter(gmail.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	}, deps.OAuthRepo)

	deps.LLMClient = openaix.New(openaix.Config{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.LLMModel,
	})

	deps.Enricher = enricher.NoOp{}

	deps.EventSink = redisstream.New(deps.Redis)

	if cfg.Neo4jURL != "" {
		neo4jDriver, err := graph.NewDriver(cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			logger.Warn("[bootstrap] neo4j connection failed, tree mirroring disabled: %v", err)
		} else {
			deps.Neo4jDriver = neo4jDriver
			cleanups = append(cleanups, func() { neo4jDriver.Close(context.Background()) })
			deps.GraphMirror = graph.NewTreeMirror(neo4jDriver, "neo4j")
		}
	}

	// Token bucket per analyst kind (default 10/min, burst 3),
	// shared across processes via Redis so API-triggered and worker-swept
	// runs throttle against the same budget.
	analystLimiter := ratelimit.NewSlidingWindowLimiterWithWindow(deps.Redis, 10, 3, time.Minute)

	// Job, snapshot and tree ids come from the global snowflake
	// generator, which must be initialised before the Supervisor runs.
	idHash := fnv.New32a()
	idHash.Write([]byte(cfg.WorkerID))
	if err := snowflake.Init(int64(idHash.Sum32() % 1024)); err != nil {
		return nil, cleanup, fmt.Errorf("init id generator: %w", err)
	}

	deps.Supervisor = job.New(
		deps.Store,
		deps.MailSource,
		deps.LLMClient,
		deps.Enricher,
		deps.EventSink,
		deps.GraphMirror,
		redisx.New(deps.Redis),
		analystLimiter,
		job.Config{
			Extract:        extractor.NewConfig(cfg.LookbackDays, cfg.Tier1Threshold),
			Ingest:         ingest.NewConfig(cfg.IngestWindowDays, cfg.WorkerConcurrency),
			Analyzer:       analyzer.NewConfig(cfg.AnalyzerDormantDays, cfg.AnalyzerAttemptedDays),
			Organizer:      organizer.NewConfig(cfg.OrganizerMinParticipants, cfg.OrganizerMinSharedTokens, nil),
			ChangeDetector: changedetector.NewConfig(cfg.RebuildMinNewMessagesPct),
			Analyst:        analyst.NewConfig(cfg.PoolSize, cfg.PoolRetryMax, cfg.LLMTemperature, cfg.LLMMaxInputTokens, cfg.LLMMaxOutputTokens),

			ExtractTimeout:     cfg.ExtractTimeout,
			IngestTimeout:      cfg.IngestTimeout,
			AnalystPoolTimeout: cfg.AnalystPoolTimeout,

			JobPollInterval: time.Duration(cfg.JobPollIntervalSec) * time.Second,
		},
	)

	return deps, cleanup, nil
}

// HealthCheck pings every hard dependency; used by the /ready endpoint.
func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := d.MongoClient.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb: %w", err)
	}
	return nil
}
