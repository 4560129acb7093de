// Package server initializes and runs the vault server: database and
// migrations, storage layout, cipher, the encryption worker and the HTTP and
// gRPC endpoints, with graceful shutdown on SIGINT/SIGTERM.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/filevault/internal/cryptox"
	"github.com/dmitrijs2005/filevault/internal/filex"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/httpserver"
	"github.com/dmitrijs2005/filevault/internal/server/offsite"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/filevault/internal/server/services"

	gs "github.com/dmitrijs2005/filevault/internal/server/grpc"
)

// Services is the wired business layer, shared by the server and vaultctl.
type Services struct {
	DB        *sql.DB
	Layout    *filex.Layout
	Locks     *services.ProjectLocks
	Intake    *services.IntakeService
	Worker    *services.EncryptionWorker
	Downloads *services.DownloadService
	Files     *services.FileService
}

// NewCipher picks the at-rest cipher: AES when a master key is configured,
// otherwise the plaintext copy cipher.
func NewCipher(ctx context.Context, c *config.Config, l logging.Logger) (cryptox.FileCipher, error) {
	if c.MasterKey == "" {
		l.Warn(ctx, "no master key configured, files are stored unencrypted")
		return cryptox.NewCopyCipher(), nil
	}
	aesCipher, err := cryptox.NewAESFileCipherFromPassphrase(c.MasterKey)
	if err != nil {
		return nil, err
	}
	l.Info(ctx, "at-rest encryption enabled", "key_id", aesCipher.KeyID())
	return aesCipher, nil
}

// NewReplicator returns the S3 replicator, or a no-op when no bucket is set.
func NewReplicator(ctx context.Context, c *config.Config, l logging.Logger) (offsite.Replicator, error) {
	if !c.OffsiteEnabled() {
		return offsite.Nop{}, nil
	}
	r, err := offsite.NewS3Replicator(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("offsite init error: %w", err)
	}
	l.Info(ctx, "offsite replication enabled", "bucket", r.Bucket())
	return r, nil
}

// NewServices opens the database, applies migrations, prepares the storage
// root and wires every service.
func NewServices(ctx context.Context, c *config.Config, l logging.Logger, opts ...services.WorkerOption) (*Services, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	layout, err := filex.NewLayout(c.StorageRoot)
	if err != nil {
		return nil, err
	}
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	db, err := repomanager.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := m.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	cipher, err := NewCipher(ctx, c, l)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	replicator, err := NewReplicator(ctx, c, l)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	opts = append([]services.WorkerOption{
		services.WithReplicator(replicator),
		services.WithFailedSourceRetention(c.FailedSourceRetention),
	}, opts...)

	locks := services.NewProjectLocks()
	worker := services.NewEncryptionWorker(db, m, layout, cipher, c.KeyContext, l, opts...)

	return &Services{
		DB:        db,
		Layout:    layout,
		Locks:     locks,
		Intake:    services.NewIntakeService(db, m, layout, locks, l, worker.Trigger),
		Worker:    worker,
		Downloads: services.NewDownloadService(db, m, layout, cipher, c.KeyContext, c.StrictAuthOrder, l),
		Files:     services.NewFileService(db, m, layout, locks, replicator, c.PublicBaseURL, l),
	}, nil
}

func (s *Services) Close() error {
	return s.DB.Close()
}

type App struct {
	config   *config.Config
	logger   logging.Logger
	services *Services
	grpc     *gs.GRPCServer
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(os.Stdout, slog.LevelInfo)

	g := gs.NewGRPCServer(c.EndpointAddrGRPC, logger)

	svc, err := NewServices(ctx, c, logger, services.WithDrainHook(g.DrainHook()))
	if err != nil {
		return nil, err
	}

	return &App{config: c, logger: logger, services: svc, grpc: g}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if app.config.EndpointAddrGRPC == "" {
		return
	}
	if err := app.grpc.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	g := httpserver.NewGatekeeper(app.services.Downloads, app.config.SecretKey, app.config.LoginURL, app.logger)
	s := httpserver.NewHTTPServer(app.config.EndpointAddrHTTP, app.logger, g, app.services.Files)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		app.services.Worker.Run(ctx, app.config.WorkerInterval)
	}()
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	// pick up anything queued while the server was down
	app.services.Worker.Trigger()

	wg.Wait()

	if err := app.services.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
	app.logger.Info(ctx, "Stopped")
}
