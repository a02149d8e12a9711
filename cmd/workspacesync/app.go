package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rectangular-labs/workspacesync/internal/config"
	"github.com/rectangular-labs/workspacesync/internal/httpapi"
	"github.com/rectangular-labs/workspacesync/internal/relay"
	"github.com/rectangular-labs/workspacesync/internal/room"
	"github.com/rectangular-labs/workspacesync/internal/tasks"
	"github.com/rectangular-labs/workspacesync/internal/workspace"
)

// app is the wired server core shared by the serve and mcp commands.
type app struct {
	cfg        config.Config
	policies   *config.Policies
	store      room.BlobStore
	registry   *room.Registry
	relay      *relay.Relay
	service    *workspace.Service
	dispatcher *tasks.Dispatcher
	submitter  tasks.Submitter
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	policies, err := config.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	store, err := room.BuildBlobStoreFromDSN(ctx, cfg.BlobStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	queue, err := tasks.BuildQueueFromDSN(cfg.TaskQueueDSN, cfg.TaskQueueSize)
	if err != nil {
		closeQuietly(store)
		return nil, fmt.Errorf("task queue: %w", err)
	}
	submitter, err := buildSubmitter(cfg)
	if err != nil {
		_ = queue.Close()
		closeQuietly(store)
		return nil, err
	}

	registry := room.NewRegistry(room.Options{
		Store:         store,
		Policies:      policies,
		FlushInterval: cfg.FlushInterval,
		IdleTimeout:   cfg.IdleTimeout,
	})
	rl := relay.New(relay.Options{
		Registry:        registry,
		MaxUpdateBytes:  cfg.MaxUpdateBytes,
		FragmentTimeout: cfg.FragmentTimeout,
		MaxBatchBytes:   cfg.MaxBatchBytes,
		Authorize:       httpapi.AuthorizeJoin,
	})
	dispatcher := tasks.NewDispatcher(tasks.DispatcherOptions{
		Queue:         queue,
		Submitter:     submitter,
		Workers:       cfg.Workers,
		MaxAttempts:   cfg.MaxAttempts,
		RetryDelay:    cfg.RetryDelay,
		SubmitTimeout: cfg.SubmitTimeout,
	})
	service := workspace.NewService(workspace.Options{
		Registry:  registry,
		Tasks:     dispatcher,
		Publisher: rl,
		Cadences:  policies,
	})
	dispatcher.SetCompensator(service)

	return &app{
		cfg:        cfg,
		policies:   policies,
		store:      store,
		registry:   registry,
		relay:      rl,
		service:    service,
		dispatcher: dispatcher,
		submitter:  submitter,
	}, nil
}

func buildSubmitter(cfg config.Config) (tasks.Submitter, error) {
	switch cfg.Submitter {
	case config.SubmitterHTTP:
		var token tasks.TokenProvider
		if cfg.WorkflowToken != "" {
			token = tasks.StaticToken(cfg.WorkflowToken)
		}
		return tasks.NewHTTPSubmitter(tasks.HTTPSubmitterOptions{
			BaseURL:       cfg.WorkflowURL,
			TokenProvider: token,
			UserAgent:     "workspacesync/" + version,
		})
	case config.SubmitterNATS:
		return tasks.NewNATSSubmitter(tasks.NATSSubmitterConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		})
	default:
		return tasks.LogSubmitter{}, nil
	}
}

func (a *app) serverConfig() httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:          a.cfg.JWTSecret,
		RateLimitPerSecond: a.cfg.RateLimitPerSecond,
		RateLimitBurst:     a.cfg.RateLimitBurst,
		MaxBodyBytes:       a.cfg.MaxBodyBytes,
		MaxFrameBytes:      a.cfg.MaxFrameBytes,
		PingInterval:       a.cfg.PingInterval,
		SendBuffer:         a.cfg.SendBuffer,
		AllowedOrigins:     a.cfg.AllowedOrigins,
	}
}

// Close stops task workers, writes every dirty room back and releases
// the backends.
func (a *app) Close(ctx context.Context) error {
	a.dispatcher.Close()
	err := a.registry.Close(ctx)
	if closer, ok := a.submitter.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	if closer, ok := a.store.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}

func closeQuietly(v any) {
	if closer, ok := v.(io.Closer); ok {
		_ = closer.Close()
	}
}
