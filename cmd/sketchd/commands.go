package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/sketchd"
	"github.com/loykin/sketchd/internal/logger"
	"github.com/loykin/sketchd/pkg/client"
)

// command binds the CLI handlers; all sketch operations go through the
// daemon's HTTP API.
type command struct{}

func apiClient(url string, timeout time.Duration) *client.Client {
	cfg := client.DefaultConfig()
	if url != "" {
		cfg.BaseURL = url
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return client.New(cfg)
}

func requireDaemon(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !c.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable - start it first with 'sketchd serve'")
	}
	return nil
}

func (command) Create(f CreateFlags) error {
	source := f.Source
	if f.File != "" {
		data, err := os.ReadFile(f.File)
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}
		source = string(data)
	}
	if source == "" {
		return fmt.Errorf("either --file or --source is required")
	}
	api := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(api); err != nil {
		return err
	}
	rec, err := api.Create(context.Background(), client.CreateRequest{
		Name:        f.Name,
		Description: f.Description,
		Source:      source,
		Kind:        f.Kind,
	})
	if err != nil {
		return err
	}
	printJSON(rec)
	return nil
}

func (command) Run(f NameFlags) error {
	api := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(api); err != nil {
		return err
	}
	rec, err := api.Run(context.Background(), f.Name)
	if err != nil {
		return err
	}
	printJSON(rec)
	return nil
}

func (command) Stop(f NameFlags) error {
	api := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(api); err != nil {
		return err
	}
	rec, err := api.Stop(context.Background(), f.Name, f.Wait)
	if err != nil {
		return err
	}
	printJSON(rec)
	return nil
}

func (command) List(f ListFlags) error {
	api := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(api); err != nil {
		return err
	}
	list, err := api.List(context.Background())
	if err != nil {
		return err
	}
	printJSON(list)
	return nil
}

func (command) Delete(f NameFlags) error {
	api := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(api); err != nil {
		return err
	}
	if err := api.Delete(context.Background(), f.Name); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", f.Name)
	return nil
}

// Serve runs the daemon until SIGINT or SIGTERM.
func (command) Serve(f ServeFlags) error {
	var cfg sketchd.Config
	var err error
	if f.ConfigPath != "" {
		cfg, err = sketchd.LoadConfig(f.ConfigPath)
		if err != nil {
			return err
		}
	} else {
		cfg = sketchd.DefaultConfig(f.DataDir)
	}
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	log := logger.Setup(cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)

	orc, err := sketchd.New(cfg)
	if err != nil {
		return err
	}
	defer orc.Shutdown()

	if err := sketchd.RegisterMetricsDefault(); err != nil {
		return err
	}
	if cfg.MetricsListen != "" {
		go func() {
			if merr := sketchd.ServeMetrics(cfg.MetricsListen); merr != nil {
				log.Error("metrics listener failed", "err", merr)
			}
		}()
	}

	srv, err := sketchd.NewHTTPServer(cfg.Listen, cfg.BasePath, orc)
	if err != nil {
		return err
	}
	log.Info("sketchd listening", "addr", cfg.Listen, "base", cfg.BasePath, "data", cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return srv.Close()
}
