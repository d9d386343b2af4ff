package router

import (
	"context"

	"github.com/relaylabs/relay/internal/inference"
	"github.com/relaylabs/relay/internal/providers"
	"github.com/relaylabs/relay/internal/security"
	"github.com/relaylabs/relay/pkg/models"
)

// LocalExecutor adapts the inference engine to the Executor contract.
type LocalExecutor struct {
	Engine inference.Engine
}

// Stream runs local inference for the assembled prompt.
func (e *LocalExecutor) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	tokens, err := e.Engine.Infer(ctx, prompt)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for tok := range tokens {
			select {
			case out <- Chunk{Token: tok}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CloudExecutor adapts the provider client to the Executor contract.
type CloudExecutor struct {
	Client      *providers.Client
	Credentials security.Bundle

	// Provider and Model select the upstream; empty Model uses the
	// descriptor default.
	Provider string
	Model    string
}

// Stream sends the assembled prompt as a single user message.
func (e *CloudExecutor) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: prompt}}
	stream, err := e.Client.ChatStream(ctx, e.Provider, e.Credentials.Secret(e.Provider), e.Model, msgs)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for chunk := range stream {
			if chunk.Err != nil {
				select {
				case out <- Chunk{Err: chunk.Err}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Token == "" {
				continue
			}
			select {
			case out <- Chunk{Token: chunk.Token}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
