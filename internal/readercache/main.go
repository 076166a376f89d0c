package readercache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/lflare/readercache-golang/pkg/covers"
	"github.com/lflare/readercache-golang/pkg/kvstore"
	"github.com/lflare/readercache-golang/pkg/pages"
	"github.com/spf13/viper"
)

// openStorage opens the bolt store under cache.directory with the configured quota
func openStorage() (*kvstore.BoltBackend, error) {
	quota := int64(viper.GetInt(KeyCacheQuota)) * 1024 * 1024
	storage, err := kvstore.OpenBolt(viper.GetString(KeyCacheDirectory), quota, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache storage: %w", err)
	}
	return storage, nil
}

// openApp loads configuration without writing it and builds an App for one-shot commands
func openApp(configFile string) (*App, error) {
	if err := prepareConfiguration(configFile, false); err != nil {
		return nil, err
	}
	initLogger(false)

	storage, err := openStorage()
	if err != nil {
		return nil, err
	}
	app, err := NewApp(storage, optionsFromConfiguration())
	if err != nil {
		storage.Close()
		return nil, err
	}
	return app, nil
}

// StartServer serves the loopback API until ctx is cancelled
func StartServer(ctx context.Context, configFile string) error {
	// Load & prepare client settings
	if err := prepareConfiguration(configFile, true); err != nil {
		return err
	}

	// Initialise logger
	initLogger(true)
	log.Infof("Starting %s %s", ClientName, ClientVersion)

	// Check client version
	if viper.GetBool("client.check_version") {
		checkClientVersion()
	}

	// Prepare storage and application
	storage, err := openStorage()
	if err != nil {
		return err
	}
	app, err := NewApp(storage, optionsFromConfiguration())
	if err != nil {
		storage.Close()
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Errorf("Failed to close storage: %v", err)
		}
	}()

	// Watch configuration for runtime changes
	prepareConfigurationReload(app)

	// Prepare server
	addr := net.JoinHostPort(viper.GetString("client.address"), strconv.Itoa(viper.GetInt("client.port")))
	server, ln, err := listen(addr, newRouter(app, viper.GetBool(KeyEnablePrometheus)))
	if err != nil {
		return fmt.Errorf("cannot start server: %w", err)
	}

	// Start server
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", addr)
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Shutdown gracefully
	log.Info("Shutting down server gracefully!")
	timeout := time.Duration(viper.GetInt("client.graceful_shutdown_seconds")) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Giving up on open connections: %v", err)
	}

	// Log backend latency
	for _, stats := range app.Latency().GetAllStats() {
		log.Infof("Backend latency %s", stats)
	}
	return nil
}

// ShrinkDatabase compacts the cache storage
func ShrinkDatabase(ctx context.Context, configFile string) error {
	// Load client settings
	if err := prepareConfiguration(configFile, false); err != nil {
		return err
	}
	initLogger(false)

	// Prepare database
	log.Info("Preparing database...")
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	// Attempt to shrink database
	log.Info("Shrinking database...")
	return storage.Compact(ctx)
}

// ResolveCovers resolves covers for ids once and reports the outcome
func ResolveCovers(ctx context.Context, configFile string, ids []string, retryAll bool) ([]covers.Resolution, error) {
	app, err := openApp(configFile)
	if err != nil {
		return nil, err
	}
	defer app.Close()

	results, _, err := app.ResolveCovers(ctx, dedupe(ids), retryAll)
	return results, err
}

// ClearCovers drops every cached cover
func ClearCovers(configFile string) error {
	app, err := openApp(configFile)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Covers().Clear()
}

// ReadBook loads every page of bookID into the page store
func ReadBook(ctx context.Context, configFile string, bookID string) (pages.Snapshot, error) {
	app, err := openApp(configFile)
	if err != nil {
		return pages.Snapshot{}, err
	}
	defer app.Close()

	return app.ReadBook(ctx, bookID, viper.GetBool(KeyPurgeOthers))
}

// Usage reports how the storage quota is spent
func Usage(configFile string) (StorageReport, error) {
	app, err := openApp(configFile)
	if err != nil {
		return StorageReport{}, err
	}
	defer app.Close()

	return app.storageReport()
}

// Session returns the persisted session id, creating one if absent. With
// drop set, the id is dropped instead and an empty string returned.
func Session(configFile string, drop bool) (string, error) {
	app, err := openApp(configFile)
	if err != nil {
		return "", err
	}
	defer app.Close()

	if drop {
		return "", app.Sessions().Clear()
	}
	return app.Sessions().EnsureSessionID()
}
