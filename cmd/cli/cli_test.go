// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/adiadia/readmodel-runtime/internal/catchup"
	"github.com/adiadia/readmodel-runtime/internal/clock"
	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/progress"
	"github.com/adiadia/readmodel-runtime/internal/projection"
	"github.com/adiadia/readmodel-runtime/internal/reservation"
	"github.com/adiadia/readmodel-runtime/internal/store/memory"
)

type memoryBackend struct {
	events      *memory.EventStore
	checkpoints *memory.CheckpointStore
	svc         *reservation.Service
	clock       *clock.Virtual
	opened      int
}

func newMemoryBackend() *memoryBackend {
	vc := clock.NewVirtual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	return &memoryBackend{
		events:      memory.NewEventStore(),
		checkpoints: memory.NewCheckpointStore(),
		svc:         reservation.NewService(reservation.Deps{Store: memory.NewReservationStore(), Clock: vc}),
		clock:       vc,
	}
}

func (b *memoryBackend) open(context.Context, *cli) (*session, error) {
	b.opened++
	return &session{
		Reservations: b.svc,
		Progress:     &progress.Calculator{Checkpoints: b.checkpoints, Events: b.events, Clock: b.clock},
		Engine: func() (runner, error) {
			return catchup.New(catchup.Deps{
				Name:        "cli",
				Events:      b.events,
				Checkpoints: b.checkpoints,
				Clock:       b.clock,
				Locker:      catchup.NewLocalLocker(),
				Projectors: []projection.Projector{
					projection.New("users", func(context.Context, domain.Event) error { return nil }, "UserCreated"),
				},
			})
		},
		Close: func() {},
	}, nil
}

func execute(t *testing.T, b *memoryBackend, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c := &cli{
		out:    &out,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		open:   b.open,
	}
	root := newRootCommand(c)
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCommand(newCLI(io.Discard))

	want := map[string]bool{
		"progress": false, "catchup": false, "reserve": false, "reserve-any": false,
		"confirm": false, "cancel": false, "validate": false,
	}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected command %q to be registered", name)
		}
	}
}

func TestReserveConfirmFlowJSON(t *testing.T) {
	b := newMemoryBackend()

	out, err := execute(t, b, "reserve", "alice", "--scope", "usernames", "--owner", "o-1", "-o", "json")
	require.NoError(t, err)

	var v reservationView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Granted)
	assert.Equal(t, "o-1", v.OwnerToken)

	out, err = execute(t, b, "reserve", "alice", "--scope", "usernames", "--owner", "o-2", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.False(t, v.Granted)

	out, err = execute(t, b, "confirm", "alice", "--scope", "usernames", "--owner", "o-1", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Granted)

	out, err = execute(t, b, "cancel", "alice", "--scope", "usernames", "--owner", "o-1", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.False(t, v.Granted, "confirmed values cannot be cancelled")
}

func TestReserveGeneratesOwner(t *testing.T) {
	b := newMemoryBackend()

	out, err := execute(t, b, "reserve", "bob", "--scope", "usernames", "-o", "yaml")
	require.NoError(t, err)

	var v reservationView
	require.NoError(t, yaml.Unmarshal([]byte(out), &v))
	assert.True(t, v.Granted)
	assert.Len(t, v.OwnerToken, 36)
}

func TestReserveAnyEmptyPool(t *testing.T) {
	b := newMemoryBackend()

	out, err := execute(t, b, "reserve-any", "--scope", "coupons", "--owner", "o-1")
	require.NoError(t, err)
	assert.Contains(t, out, "reserve-any")
	assert.Contains(t, out, "false")
}

func TestConfirmRequiresOwner(t *testing.T) {
	b := newMemoryBackend()

	_, err := execute(t, b, "confirm", "alice", "--scope", "usernames")
	require.Error(t, err)
	assert.Zero(t, b.opened, "backends must not be opened for invalid flags")
}

func TestUnknownOutputFormat(t *testing.T) {
	b := newMemoryBackend()

	_, err := execute(t, b, "progress", "-o", "xml")
	require.Error(t, err)
	assert.Zero(t, b.opened)
}

func TestCatchupRunAndProgress(t *testing.T) {
	b := newMemoryBackend()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := b.events.Append(ctx, domain.NewEvent{AggregateID: "u", Type: "UserCreated"})
		require.NoError(t, err)
	}

	out, err := execute(t, b, "catchup", "run", "-o", "json")
	require.NoError(t, err)
	var run runView
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, 4, run.EventsRead)
	assert.Equal(t, 4, run.Applied["users"])

	out, err = execute(t, b, "progress", "-o", "yaml")
	require.NoError(t, err)
	var list []progressView
	require.NoError(t, yaml.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "users", list[0].Name)
	assert.Equal(t, int64(4), list[0].CurrentAsOfEventID)
	assert.InDelta(t, 100, list[0].PercentageCompleted, 0.001)

	out, err = execute(t, b, "progress")
	require.NoError(t, err)
	assert.Contains(t, out, "PROJECTOR")
	assert.Contains(t, out, "100.0%")
}

func TestListGoFilesSkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"main.go",
		"internal/pkg/a.go",
		"_examples/x/b.go",
		".cache/c.go",
		"vendor/d.go",
		"README.md",
	} {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("package x\n"), 0o600))
	}

	files, err := listGoFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "internal/pkg/a.go"),
		filepath.Join(root, "main.go"),
	}, files)
}
