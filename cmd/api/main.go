package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"xmodel-api/internal/auth"
	"xmodel-api/internal/balance"
	"xmodel-api/internal/credentials"
	"xmodel-api/internal/database"
	"xmodel-api/internal/inference"
	"xmodel-api/internal/middleware"
	"xmodel-api/internal/routers"
	"xmodel-api/internal/shared"
	"xmodel-api/internal/usage"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	writeDSN := flag.String("dsn", "", "Write mysql DSN")
	readDSN := flag.String("read-dsn", "", "Read replica mysql DSN")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	redisAddr := flag.String("redis-addr", "", "Redis host:port")
	debug := flag.Bool("debug", false, "Debug enabled")
	port := flag.Int("port", 80, "Port to listen on")
	inferenceEndpoint := flag.String("inference-endpoint", "", "Upstream inference url")
	apiKeySalt := flag.String("api-key-salt", "", "Salt mixed into every api key hash")
	usageQueueSize := flag.Int("usage-queue-size", shared.UsageQueueSize, "Pending usage records before new ones are dropped")
	usageWorkers := flag.Int("usage-workers", shared.UsageWorkers, "Usage recorder workers")
	chargeOnSuccess := flag.Bool("charge-on-success", false, "Debit the model cost after a successful buffered run")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	if *inferenceEndpoint == "" || *apiKeySalt == "" {
		panic("INFERENCE_ENDPOINT and API_KEY_SALT are required")
	}

	// Write DB init
	writeDB, err := sql.Open("mysql", *writeDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
	}
	err = writeDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed ping to sql db: %s", err))
	}

	// Read db init
	readDB, err := sql.Open("mysql", *readDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing readSqlClient: %s", err))
	}
	err = readDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed to ping read replica sql db: %s", err))
	}

	// Load Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("failed ping to redis db: %s", err))
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if writeDB != nil {
			_ = writeDB.Close()
		}
		if readDB != nil {
			_ = readDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()
	defer func() {
		_ = log.Sync()
	}()

	// Components
	vault := credentials.NewVault(credentials.NewMySQLStore(writeDB, readDB), *apiKeySalt, log.Named("credentials"))
	guard := balance.NewGuard(balance.NewMySQLStore(writeDB, readDB), log.Named("balance"))
	models := inference.NewModelStore(writeDB, readDB, redisClient, log.Named("models"))
	predictions := &database.PredictionStore{WDB: writeDB, RDB: readDB}
	users := auth.NewUserManager(redisClient, readDB, vault, log.Named("auth"))

	usageCfg := usage.DefaultConfig()
	usageCfg.QueueSize = *usageQueueSize
	usageCfg.Workers = *usageWorkers
	usageCfg.Charge = *chargeOnSuccess
	recorder := usage.NewRecorder(usage.NewMySQLStore(writeDB), usageCfg, log.Named("usage"))

	svc := inference.NewService(inference.Options{
		Models:      models,
		Balance:     guard,
		Credentials: vault,
		Usage:       recorder,
		Endpoint:    *inferenceEndpoint,
		Log:         log.Named("inference"),
	})

	e := echo.New()
	e.HideBanner = true
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := shared.ExtractBearerToken(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if *metricsAPIKey == "" || token != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	umw := middleware.NewUserMiddleware(users)

	// Register routes
	routers.RegisterInferenceRoutes(base, models, svc, umw)
	routers.RegisterCredentialRoutes(base, vault, users, umw)
	routers.RegisterAccountRoutes(base, guard, predictions, umw)
	routers.RegisterAdminRoutes(base, models, guard, predictions, umw)

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", *port)); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	log.Infow("Server started", "port", *port, "charge_on_success", *chargeOnSuccess)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Errorw("Failed graceful shutdown", "error", err)
	}
	svc.ShutDown()
	// in flight runs are done, flush their usage before the db closes
	if err := recorder.Shutdown(ctx); err != nil {
		log.Errorw("Usage records lost on shutdown", "error", err)
	}
}
