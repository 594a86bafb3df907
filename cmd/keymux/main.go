package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/history"
	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/store"
	"github.com/keymux/keymux/sdk/keymux"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// run parses flags, wires the manager, and executes one action: print pool
// status, validate accounts, or perform a single request from stdin.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("keymux", flag.ContinueOnError)
	cfgPath := fs.String("config", "config.yaml", "config file path")
	status := fs.Bool("status", false, "print account pool status and exit")
	validate := fs.Bool("validate", false, "probe all accounts and exit")
	model := fs.String("model", "", "model for a one-shot request; body read from stdin")
	url := fs.String("url", "", "override target URL for the request")
	warm := fs.Duration("warm", 0, "run as a warmup daemon at this interval until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	manager := keymux.New(cfg, store.NewFileStore(cfg.AccountsPath))
	if cfg.History.Enabled {
		recorder, recErr := history.NewRecorder(cfg.History.Path, cfg.History.Buffer)
		if recErr != nil {
			return recErr
		}
		defer recorder.Close()
		manager.SetHistorySink(recorder)
	}
	if err = manager.Load(ctx); err != nil {
		return err
	}

	switch {
	case *status:
		return printStatus(manager)
	case *validate:
		manager.ValidateOnStartup(ctx)
		return nil
	case *model != "":
		return oneShot(ctx, manager, *model, *url)
	case *warm > 0:
		return warmDaemon(ctx, manager, *cfgPath, *warm)
	default:
		return fmt.Errorf("nothing to do: pass -status, -validate, -model, or -warm")
	}
}

// warmDaemon keeps reasoning accounts warm until interrupted, picking up
// config edits as they land on disk.
func warmDaemon(ctx context.Context, manager *keymux.Manager, cfgPath string, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, cfgPath, manager.ApplyConfig); err != nil {
		log.Warnf("config watch unavailable: %v", err)
	}
	manager.StartWarmupLoop(ctx, interval)
	log.Infof("warmup daemon running every %s", interval)
	<-ctx.Done()
	log.Info("warmup daemon stopped")
	return nil
}

func printStatus(manager *keymux.Manager) error {
	statuses := manager.AccountsStatus()
	encoded, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func oneShot(ctx context.Context, manager *keymux.Manager, model, url string) error {
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("empty request body on stdin")
	}
	response, err := manager.Request(ctx, model, url, keymux.RequestOptions{Body: body})
	if err != nil {
		return err
	}
	fmt.Println(string(response.Body))
	if !response.OK() {
		return fmt.Errorf("upstream returned status %d", response.StatusCode)
	}
	return nil
}
