package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/lox/cowboy/internal/bus"
	"github.com/lox/cowboy/internal/game"
	"github.com/lox/cowboy/internal/store"
)

// BusFlags is the NATS wiring shared by every service subcommand.
type BusFlags struct {
	NatsURL      string `kong:"name='nats-url',default='nats://127.0.0.1:4222',env='COWBOY_NATS_URL',help='NATS server URL'"`
	InputPrefix  string `kong:"default='game.commands',env='COWBOY_INPUT_PREFIX',help='Per-game input subject prefix'"`
	OutputPrefix string `kong:"default='game.output',env='COWBOY_OUTPUT_PREFIX',help='Per-game output subject prefix'"`
}

// connect dials NATS and makes sure both streams exist.
func (f BusFlags) connect(ctx context.Context, logger zerolog.Logger) (*bus.Bus, error) {
	b, err := bus.Connect(ctx, bus.Config{
		URL:          f.NatsURL,
		InputPrefix:  f.InputPrefix,
		OutputPrefix: f.OutputPrefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := b.EnsureStreams(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// openStore opens the optional Redis store. An empty URL disables it; every
// write site treats the nil store as a skip.
func openStore(ctx context.Context, redisURL string, logger zerolog.Logger) (*store.Store, error) {
	if redisURL == "" {
		return nil, nil
	}
	return store.Open(ctx, redisURL, logger)
}

// serveHTTP runs handler on addr until ctx ends, then drains in-flight
// requests for up to five seconds.
func serveHTTP(ctx context.Context, logger zerolog.Logger, service, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("service", service).Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Str("service", service).Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// mapFile is the YAML shape of a default map file:
//
//	rows: 5
//	cols: 5
//	cells:
//	  - [0, 0, 0, 0, 0]
//	  ...
type mapFile struct {
	Rows  int     `yaml:"rows"`
	Cols  int     `yaml:"cols"`
	Cells [][]int `yaml:"cells"`
}

// loadDefaultMap reads the authority's default map file. An empty path
// means no default: the authority generates a map per game.
func loadDefaultMap(path string) (*game.Map, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map file: %w", err)
	}
	var raw mapFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse map file: %w", err)
	}

	m := &game.Map{Rows: raw.Rows, Cols: raw.Cols, Cells: raw.Cells}
	if m.Rows <= 0 || m.Cols <= 0 {
		return nil, fmt.Errorf("map file %s: rows and cols must be positive", path)
	}
	if len(m.Cells) != m.Rows {
		return nil, fmt.Errorf("map file %s: expected %d cell rows, got %d", path, m.Rows, len(m.Cells))
	}
	for i, row := range m.Cells {
		if len(row) != m.Cols {
			return nil, fmt.Errorf("map file %s: row %d has %d cells, want %d", path, i, len(row), m.Cols)
		}
	}
	return m, nil
}
