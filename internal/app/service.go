package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"github.com/rufaromugabe/spotfi-sub000/internal/bridge"
	"github.com/rufaromugabe/spotfi-sub000/internal/config"
	"github.com/rufaromugabe/spotfi-sub000/internal/db"
	"github.com/rufaromugabe/spotfi-sub000/internal/disconnect"
	admin "github.com/rufaromugabe/spotfi-sub000/internal/http/api/admin"
	"github.com/rufaromugabe/spotfi-sub000/internal/linker"
	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/notify"
	"github.com/rufaromugabe/spotfi-sub000/internal/overage"
	"github.com/rufaromugabe/spotfi-sub000/internal/quota"
	"github.com/rufaromugabe/spotfi-sub000/internal/radius"
	"github.com/rufaromugabe/spotfi-sub000/internal/ttlcache"
	"github.com/rufaromugabe/spotfi-sub000/internal/uam"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	bridgePath       = "/ws/bridge"
	shutdownTimeout  = 10 * time.Second
	cacheSweepPeriod = time.Minute
)

// Service holds every long-lived component of one process.
type Service struct {
	DB         *gorm.DB
	Config     config.ServiceConfig
	Metrics    *metrics.Metrics
	Bus        notify.Bus
	Queue      *disconnect.Queue
	Store      *accounting.Store
	Hub        *bridge.Hub
	Bridge     bridge.Bridge
	Worker     *disconnect.Worker
	Sweeper    *overage.ExpirySweeper
	Accounting *radius.AccountingServer
	Engine     *gin.Engine

	redis  redis.UniversalClient
	memory []*ttlcache.MemoryCache
}

// Build wires the service on an opened and migrated connection. dsn is used by the
// postgres notification driver.
func Build(ctx context.Context, conn *gorm.DB, dsn string, cfg config.ServiceConfig, jwtCfg config.JWTConfig) (*Service, error) {
	if conn == nil {
		return nil, fmt.Errorf("app: nil database")
	}
	s := &Service{DB: conn, Config: cfg, Metrics: metrics.New()}
	if errRegister := s.Metrics.Register(nil); errRegister != nil {
		return nil, fmt.Errorf("app: register metrics: %w", errRegister)
	}

	bus, errBus := buildBus(ctx, cfg.Notify, dsn)
	if errBus != nil {
		return nil, errBus
	}
	s.Bus = bus

	caches := s.buildCaches(ctx)

	s.Queue = disconnect.NewQueue(conn, cfg.Enforcement.ClaimLease, nil)
	hooks := []accounting.Hook{
		linker.New(s.Metrics),
		quota.Folder{},
		overage.NewDetector(s.Queue, s.Metrics),
	}
	s.Store = accounting.NewStore(conn, s.Bus, hooks, accounting.WithMetrics(s.Metrics))

	if cfg.Bridge.TokenSecret == "" {
		log.Warn("bridge token secret is empty, router connections will be rejected")
	}
	s.Hub = bridge.NewHub(conn, []byte(cfg.Bridge.TokenSecret), cfg.Bridge.PingInterval, s.Metrics)
	s.Bridge = s.Hub
	if cfg.Bridge.DMFallback {
		s.Bridge = bridge.Fallback{
			Primary:   s.Hub,
			Secondary: bridge.NewDisconnectBridge(conn, cfg.Bridge.DisconnectPort, cfg.Enforcement.KickTimeout),
		}
	}

	worker, errWorker := disconnect.NewWorker(conn, s.Queue, s.Store, s.Bridge, s.Bus, s.Metrics, disconnect.WorkerConfig{
		PollInterval: cfg.Enforcement.PollInterval,
		MinEntryAge:  cfg.Enforcement.MinEntryAge,
		BatchSize:    cfg.Enforcement.BatchSize,
		KickTimeout:  cfg.Enforcement.KickTimeout,
		Concurrency:  cfg.Enforcement.Concurrency,
		KickRate:     cfg.Enforcement.KickRate,
	})
	if errWorker != nil {
		s.Close()
		return nil, errWorker
	}
	s.Worker = worker
	s.Sweeper = overage.NewExpirySweeper(conn, s.Queue, s.Bus, s.Metrics, nil)
	s.Accounting = radius.NewAccountingServer(cfg.Radius.AcctAddr, cfg.Radius.AcctSecret, s.Store, s.Metrics)

	if jwtCfg.Secret == "" {
		log.Warn("jwt secret is empty, admin API will reject every request")
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	uam.NewHandler(conn, radius.NewClient(cfg.Radius.Timeout, s.Metrics), cfg.UAM, cfg.Radius, caches, s.Metrics).Register(engine)
	engine.GET(bridgePath, s.Hub.Handle)
	engine.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	admin.RegisterAdminRoutes(engine, admin.Deps{
		DB:                conn,
		JWT:               jwtCfg,
		Queue:             s.Queue,
		RouterTokenSecret: cfg.Bridge.TokenSecret,
		Presence:          s.Hub,
	})
	s.Engine = engine
	return s, nil
}

func buildBus(ctx context.Context, cfg config.NotifyConfig, dsn string) (notify.Bus, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		if !db.IsPostgresDSN(dsn) {
			return nil, fmt.Errorf("app: notify driver postgres requires a postgres database")
		}
		return notify.NewPostgresBus(ctx, dsn, cfg.Channel)
	case config.DriverAMQP:
		return notify.NewAMQPBus(notify.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.Exchange,
			RoutingKey: cfg.RoutingKey,
			Queue:      cfg.Queue,
		})
	default:
		return notify.NewMemoryBus(), nil
	}
}

// buildCaches returns one isolated cache per UAM concern. With the redis driver each
// concern gets its own key prefix and a local fallback.
func (s *Service) buildCaches(ctx context.Context) uam.Caches {
	cfg := s.Config.Cache
	if cfg.Driver == config.DriverRedis {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		errPing := client.Ping(pingCtx).Err()
		cancel()
		if errPing != nil {
			log.WithError(errPing).Warn("redis unreachable at startup, using local caches until it recovers")
		}
		s.redis = client
	}

	build := func(name string) ttlcache.Cache {
		mem := ttlcache.NewMemoryCache(s.Config.UAM.CacheSweepSize, nil)
		s.memory = append(s.memory, mem)
		if s.redis == nil {
			return mem
		}
		shared := ttlcache.NewRedisCache(s.redis, cfg.RedisPrefix+":"+name)
		return ttlcache.NewFailoverCache(name, shared, mem, nil)
	}
	return uam.Caches{
		Usernames: build("usernames"),
		Loops:     build("loops"),
		Lockouts:  build("lockouts"),
		Attempts:  build("attempts"),
	}
}

// Run serves HTTP, accounting, the disconnect worker and the expiry sweep until ctx
// is cancelled or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if errSweep := s.Sweeper.Start(ctx, s.Config.Sweep.Schedule); errSweep != nil {
		return errSweep
	}
	defer s.Sweeper.Stop()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if errRun := s.Worker.Run(ctx); errRun != nil {
			log.WithError(errRun).Error("disconnect worker stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweepCaches(ctx)
	}()

	if s.Config.Radius.AcctAddr != "" {
		go func() {
			if errServe := s.Accounting.ListenAndServe(); errServe != nil {
				errCh <- fmt.Errorf("accounting listener: %w", errServe)
			}
		}()
	}

	srv := &http.Server{
		Addr:              s.Config.Server.Addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.Config.Server.ReadTimeout,
		WriteTimeout:      s.Config.Server.WriteTimeout,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", errServe)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("http shutdown")
	}
	if s.Config.Radius.AcctAddr != "" {
		if errShutdown := s.Accounting.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("accounting shutdown")
		}
	}
	wg.Wait()
	log.Info("service stopped")
	return runErr
}

func (s *Service) sweepCaches(ctx context.Context) {
	ticker := time.NewTicker(cacheSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, mem := range s.memory {
				mem.Sweep(now)
			}
		}
	}
}

// Close releases connections held outside the database.
func (s *Service) Close() {
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.Bus != nil {
		if errClose := s.Bus.Close(); errClose != nil {
			log.WithError(errClose).Warn("close notification bus")
		}
	}
	if s.redis != nil {
		if errClose := s.redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("close redis")
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/metrics" || c.FullPath() == "/healthz" {
			return
		}
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Debug("request")
	}
}
