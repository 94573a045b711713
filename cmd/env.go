package main

import (
	"github.com/rotisserie/eris"

	"github.com/shelfsight/upcguard/internal/annotate"
	"github.com/shelfsight/upcguard/internal/detect"
	"github.com/shelfsight/upcguard/internal/engine"
	"github.com/shelfsight/upcguard/internal/events"
	"github.com/shelfsight/upcguard/internal/lifecycle"
	"github.com/shelfsight/upcguard/internal/store"
)

// env bundles the wired engine components shared by the commands.
type env struct {
	store       store.Store
	broadcaster *events.Broadcaster
	engine      *engine.Engine
	lifecycle   *lifecycle.Manager
}

// initEnv wires the detector, broadcaster, engine, and lifecycle manager on
// top of an open store. The annotator is attached only when an Anthropic
// key is configured.
func initEnv(st store.Store) (*env, error) {
	scoring, err := cfg.Detect.Scoring()
	if err != nil {
		return nil, err
	}
	detector, err := detect.New(scoring)
	if err != nil {
		return nil, eris.Wrap(err, "init detector")
	}

	bc := events.NewBroadcaster()

	opts := []engine.Option{
		engine.WithChunkSize(cfg.Engine.ChunkSize),
		engine.WithMaxRecords(cfg.Engine.MaxRecords),
	}
	if cfg.Anthropic.Key != "" {
		opts = append(opts, engine.WithAnnotator(annotate.NewClaude(
			cfg.Anthropic.Key,
			cfg.Anthropic.Model,
			int64(cfg.Anthropic.MaxTokens),
			cfg.Anthropic.RequestsPerSec,
		)))
	}

	return &env{
		store:       st,
		broadcaster: bc,
		engine:      engine.New(st, detector, bc, opts...),
		lifecycle:   lifecycle.New(st, bc),
	}, nil
}
