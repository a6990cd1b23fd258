// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package restart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDrainer struct {
	calls int
	err   error
}

func (d *fakeDrainer) Drain(ctx context.Context) error {
	d.calls++
	return d.err
}

func newTestCoordinator(cfg Config) (*Coordinator, chan int, chan struct{}) {
	exited := make(chan int, 1)
	spawned := make(chan struct{}, 1)
	if cfg.ExitDelay == 0 {
		cfg.ExitDelay = time.Millisecond
	}
	c := NewCoordinator(cfg)
	c.exitFn = func(code int) { exited <- code }
	c.spawnFn = func() error {
		spawned <- struct{}{}
		return nil
	}
	return c, exited, spawned
}

func TestRequestRestartDrainsThenExits(t *testing.T) {
	drainer := &fakeDrainer{}
	c, exited, _ := newTestCoordinator(Config{Drainer: drainer, ExitCode: 7})

	require.NoError(t, c.RequestRestart(context.Background(), "run abc committed"))
	assert.Equal(t, 1, drainer.calls)
	assert.True(t, c.Pending())

	select {
	case code := <-exited:
		assert.Equal(t, 7, code)
	case <-time.After(time.Second):
		t.Fatal("coordinator never exited")
	}
}

func TestRequestRestartFiresOnce(t *testing.T) {
	drainer := &fakeDrainer{}
	c, exited, _ := newTestCoordinator(Config{Drainer: drainer})

	require.NoError(t, c.RequestRestart(context.Background(), "first"))
	err := c.RequestRestart(context.Background(), "second")
	assert.ErrorIs(t, err, ErrRestartPending)
	assert.Equal(t, 1, drainer.calls)

	<-exited
}

func TestRequestRestartContinuesPastDrainFailure(t *testing.T) {
	drainer := &fakeDrainer{err: errors.New("drain stuck")}
	c, exited, _ := newTestCoordinator(Config{Drainer: drainer})

	require.NoError(t, c.RequestRestart(context.Background(), "reason"))

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("coordinator never exited after drain failure")
	}
}

func TestRequestRestartSelfExecSpawnsReplacement(t *testing.T) {
	c, exited, spawned := newTestCoordinator(Config{SelfExec: true})

	require.NoError(t, c.RequestRestart(context.Background(), "reason"))

	select {
	case <-spawned:
	case <-time.After(time.Second):
		t.Fatal("replacement was never spawned")
	}
	<-exited
}

func TestRequestRestartWithoutDrainer(t *testing.T) {
	c, exited, spawned := newTestCoordinator(Config{})

	require.NoError(t, c.RequestRestart(context.Background(), "reason"))
	<-exited
	select {
	case <-spawned:
		t.Fatal("spawn must not happen without SelfExec")
	default:
	}
}
