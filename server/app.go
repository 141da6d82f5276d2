package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swim/config"
	"swim/internal/api"
	"swim/internal/db"
	"swim/internal/distribute"
	"swim/internal/engine"
	"swim/internal/health"
	"swim/internal/logs"
	"swim/internal/middleware"
	"swim/internal/models"
	"swim/internal/orchestrate"
	"swim/internal/repo"
	"swim/internal/scheduler"
	"swim/internal/session"
	"swim/internal/strategy"
	"swim/internal/ztp"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db    *gorm.DB
	sched *scheduler.Scheduler
	prov  *ztp.Provisioner

	ctx    context.Context
	cancel context.CancelFunc
}

// stores groups every persistence interface the subsystems consume; filled
// either from gorm-backed stores or from one shared MemStore.
type stores struct {
	engineStore engine.Store
	checkSource engine.CheckSource
	serverSrc   distribute.ServerSource
	schedStore  scheduler.Store
	orchStore   orchestrate.Store
	jobsHTTP    api.JobStore
	wfHTTP      api.WorkflowStore
	ztpStore    ztp.Store
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) БД (опционально)
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
	}

	// ---- DB migrations (only if DB is connected) ----
	if a.db != nil {
		if err := a.db.AutoMigrate(
			// inventory
			&models.Device{},
			&models.DeviceModel{},
			&models.Site{},
			&models.Region{},
			&models.GlobalCredential{},

			// images & sources
			&models.FileServer{},
			&models.Image{},
			&models.GoldenImage{},

			// jobs & workflows
			&models.Workflow{},
			&models.WorkflowStep{},
			&models.Job{},

			// validation
			&models.ValidationCheck{},
			&models.CheckRun{},

			// ztp
			&models.ZTPWorkflow{},
		); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
		if err := db.MigrateJobSchedulerIndex(a.db); err != nil {
			logs.Logger.Warnf("scheduler index migration: %v", err)
		}
		if err := db.MigrateWorkflowUniqueName(a.db); err != nil {
			logs.Logger.Warnf("workflow name index migration: %v", err)
		}
	}

	st := a.buildStores()

	// 3) Доменные подсистемы
	dialer := &session.SSHDialer{}

	distributor := distribute.New(dialer, st.serverSrc, distribute.Config{
		MaxConcurrent:   int64(a.cfg.Distribution.MaxConcurrent),
		ConnectRetries:  a.cfg.Distribution.ConnectRetries,
		ConnectDelay:    a.cfg.Distribution.ConnectDelay,
		MonitorInterval: a.cfg.Distribution.MonitorInterval,
		CopyTimeout:     a.cfg.Distribution.CopyTimeout,
		VerifyTimeout:   a.cfg.Distribution.VerifyTimeout,
	})

	eng := engine.New(engine.Deps{
		Jobs:        st.engineStore,
		Checks:      st.checkSource,
		Distributor: distributor,
		Readiness:   strategy.DefaultReadinessRegistry(),
		Activation:  strategy.DefaultActivationRegistry(),
		Dialer:      dialer,
		Log:         logs.Logger,
	}, nil)

	a.sched = scheduler.New(st.schedStore, eng, scheduler.Config{
		TickInterval: a.cfg.Scheduler.TickInterval,
		GracePeriod:  a.cfg.Scheduler.GracePeriod,
		BatchSize:    a.cfg.Scheduler.BatchSize,
	}, logs.Logger)

	orch := orchestrate.New(st.orchStore, eng, logs.Logger)

	// 4) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	// 5) Health маршруты
	health.RegisterRoutesWithChecks(a.Router, a.db, a.sched)

	// 6) HTTP-ручки
	api.NewJobsHTTP(st.jobsHTTP, eng, orch, a.sched, logs.Logger).RegisterRoutes(a.Router)
	api.NewWorkflowsHTTP(st.wfHTTP, logs.Logger).RegisterRoutes(a.Router)

	if a.cfg.ZTP.Enabled {
		a.prov = ztp.New(st.ztpStore, eng, dialer, logs.Logger)
		a.prov.RegisterRoutes(a.Router)
	}

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) buildStores() stores {
	if a.db == nil {
		// без БД всё живёт в памяти (dev/demo режим)
		logs.Logger.Warn("no database configured, running with in-memory store")
		mem := repo.NewMemStore()
		return stores{
			engineStore: mem,
			checkSource: mem,
			serverSrc:   mem,
			schedStore:  mem,
			orchStore:   mem,
			jobsHTTP:    mem,
			wfHTTP:      mem,
			ztpStore:    mem,
		}
	}

	devices := repo.NewDeviceStore(a.db)
	jobs := repo.NewJobStore(a.db)
	workflows := repo.NewWorkflowStore(a.db)
	images := repo.NewImageStore(a.db)
	checks := repo.NewCheckStore(a.db)
	ztpRepo := repo.NewZTPStore(a.db)

	return stores{
		engineStore: &engineStore{JobStore: jobs, DeviceStore: devices, WorkflowStore: workflows},
		checkSource: checks,
		serverSrc:   images,
		schedStore:  jobs,
		orchStore:   jobs,
		jobsHTTP:    &jobsHTTPStore{JobStore: jobs, DeviceStore: devices},
		wfHTTP:      workflows,
		ztpStore:    &ztpComposite{ZTPStore: ztpRepo, DeviceStore: devices, JobStore: jobs, ImageStore: images},
	}
}

// Composite stores: each subsystem wants one interface, the gorm layer is
// split per entity. Plain embedding glues them together.

type engineStore struct {
	*repo.JobStore
	*repo.DeviceStore
	*repo.WorkflowStore
}

type jobsHTTPStore struct {
	*repo.JobStore
	*repo.DeviceStore
}

type ztpComposite struct {
	*repo.ZTPStore
	*repo.DeviceStore
	*repo.JobStore
	*repo.ImageStore
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.sched.Start(a.ctx)

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	a.sched.Stop()
	if a.prov != nil {
		a.prov.Wait()
	}
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
