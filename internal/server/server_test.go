package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskscope/taskscope/internal/aggregator"
	"github.com/taskscope/taskscope/internal/model"
	"github.com/taskscope/taskscope/internal/registry"
	"github.com/taskscope/taskscope/internal/server"
)

type env struct {
	tasks *registry.TaskRegistry
	meta  *registry.MetadataRegistry
	d     *aggregator.Dispatcher
	ts    *httptest.Server
}

// newEnv stands up a server over a live dispatcher ticking on a short real
// interval. Streaming assertions use generous deadlines, not exact ticks.
func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	meta := registry.NewMetadataRegistry()
	tasks := registry.NewTaskRegistry(logger, nil)
	d := aggregator.New(tasks, meta, logger, nil, aggregator.Config{
		PublishInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	srv := server.New(server.Config{
		Dispatcher: d,
		Logger:     logger,
		Addr:       "127.0.0.1:0",
		Version:    "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{tasks: tasks, meta: meta, d: d, ts: ts}
}

// readEvent scans one SSE event (skipping keepalive comments) and returns
// its event name and data payload.
func readEvent(t *testing.T, r *bufio.Reader, deadline time.Duration) (string, []byte) {
	t.Helper()
	type ev struct {
		name string
		data []byte
	}
	ch := make(chan ev, 1)
	go func() {
		var name string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ch <- ev{name: name, data: []byte(strings.TrimPrefix(line, "data: "))}
				return
			}
		}
	}()
	select {
	case e := <-ch:
		return e.name, e.data
	case <-time.After(deadline):
		t.Fatal("timed out waiting for SSE event")
		return "", nil
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)
}

func TestWatchTasksStreams(t *testing.T) {
	e := newEnv(t)

	site := e.meta.Intern("worker", "runtime::worker", model.MetaKindSpan, nil)
	h := e.tasks.Spawn(site, model.TaskKindSpawn, nil, nil)

	resp, err := http.Get(e.ts.URL + "/v1/tasks/watch")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	name, data := readEvent(t, bufio.NewReader(resp.Body), 2*time.Second)
	assert.Equal(t, "update", name)

	var update model.TaskUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	require.Len(t, update.NewTasks, 1)
	assert.Equal(t, h.ID(), update.NewTasks[0].ID)
	require.Len(t, update.NewMetadata, 1)
	assert.Equal(t, "worker", update.NewMetadata[0].Name)
	assert.Contains(t, update.StatsUpdate, h.ID())
	assert.False(t, update.Now.IsZero())
}

func TestWatchTaskDetailsStreams(t *testing.T) {
	e := newEnv(t)

	h := e.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	e.tasks.PollStart(h, time.Now())
	e.tasks.PollEnd(h, time.Now().Add(2*time.Millisecond))

	resp, err := http.Get(fmt.Sprintf("%s/v1/tasks/%d/details/watch", e.ts.URL, h.ID()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	name, data := readEvent(t, bufio.NewReader(resp.Body), 2*time.Second)
	assert.Equal(t, "details", name)

	var details model.TaskDetails
	require.NoError(t, json.Unmarshal(data, &details))
	assert.Equal(t, h.ID(), details.TaskID)
	assert.NotEmpty(t, details.PollTimesHistogram)
}

func TestWatchTaskDetailsUnknownTask(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.ts.URL + "/v1/tasks/999/details/watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatchTaskDetailsBadID(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.ts.URL + "/v1/tasks/not-a-number/details/watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
