package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/siptty/siptty/internal/history"
	"github.com/siptty/siptty/internal/logger"
	"github.com/siptty/siptty/internal/phone"
	"github.com/siptty/siptty/internal/phone/events"
	"github.com/siptty/siptty/internal/sipua"
	"github.com/siptty/siptty/internal/tui"
)

// eventBuffer is the capacity of the queue between engine threads and the UI.
const eventBuffer = 1024

func runPhone(ctx context.Context, opts *rootOptions) error {
	cfg, closeLog, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := events.NewQueue(eventBuffer)
	coord, err := phone.New(sipua.Provider{}, queue.Publish)
	if err != nil {
		return err
	}

	handlers := []events.Handler{events.Logging(slog.Default())}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.DBFile)
		if err != nil {
			return err
		}
		defer store.Close()
		rec := history.NewRecorder(store, cfg.History.MaxEntries)
		defer rec.Close()
		handlers = append(handlers, rec.Handle)
	}

	if err := coord.Start(cfg); err != nil {
		return fmt.Errorf("start phone: %w", err)
	}
	defer coord.Stop()

	if err := coord.AddAccounts(cfg.EnabledAccounts()); err != nil {
		slog.Warn("[Session] Some accounts were not added", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tui.NewProgram(ctx, coord)
	logger.SetHook(tui.NewLogHook(prog))
	defer logger.SetHook(nil)
	handlers = append(handlers, tui.Forward(prog))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		_, err := prog.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := queue.Run(gctx, events.Fanout(handlers...))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	// Nobody drains the queue past this point; unblock engine goroutines
	// before the deferred Stop tears the engine down.
	queue.Close()
	slog.Info("[Session] Shutting down")
	return err
}
