package service

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/codehub/internal/eventlog"
	"github.com/codefionn/codehub/internal/hub"
	"github.com/codefionn/codehub/internal/registry"
	"github.com/codefionn/codehub/internal/rpc"
	"github.com/codefionn/codehub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	db      *store.DB
	reg     *registry.Registry
	events  *eventlog.Writer
	locator *Locator
	srv     *hub.Server
	wsURL   string
	token   string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "codehub.db"))
	require.NoError(t, err)
	reg, err := registry.New(ctx, db)
	require.NoError(t, err)
	events, err := eventlog.New(filepath.Join(dir, "events"))
	require.NoError(t, err)

	loc := New(db, reg, events)
	srv := hub.NewServer(loc, hub.Options{})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		ts.Close()
		events.Close()
		db.Close()
	})

	token, err := reg.ReadRegistrationToken(ctx)
	require.NoError(t, err)

	return &stack{
		db:      db,
		reg:     reg,
		events:  events,
		locator: loc,
		srv:     srv,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/hub",
		token:   token,
	}
}

func (s *stack) dial(t *testing.T, intent hub.ConnectionIntent) *hub.Client {
	t.Helper()
	c, err := hub.Dial(context.Background(), s.wsURL, s.token, intent, rpc.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestJobRunLifecycleEndToEnd(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, hub.SchedulerIntent{})
	ctx := context.Background()

	id, err := c.CreateJobRun(ctx, "build-1")
	require.NoError(t, err)
	require.Positive(t, id)

	require.NoError(t, c.UpdateJobStdout(ctx, id, "hello\n"))
	require.NoError(t, c.UpdateJobStdout(ctx, id, "world\n"))
	require.NoError(t, c.CompleteJobRun(ctx, id, 0))

	run, err := s.locator.Job().GetJobRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, "build-1", run.Name)
	assert.Equal(t, "hello\nworld\n", run.Stdout)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, int32(0), *run.ExitCode)
	require.NotNil(t, run.FinishedAt)

	// Completed runs are immutable; the hub still answers the peer.
	require.NoError(t, c.UpdateJobStdout(ctx, id, "late\n"))
	require.NoError(t, c.CompleteJobRun(ctx, id, 1))
	run, err = s.locator.Job().GetJobRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", run.Stdout)
	assert.Equal(t, int32(0), *run.ExitCode)
}

func TestSentinelJobIDIsNeverReal(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.locator.Job().CreateJobRun(ctx, "real")
	require.NoError(t, err)

	assert.ErrorIs(t, s.locator.Job().UpdateJobStdout(ctx, 0, "x"), hub.ErrNotFound)
	assert.ErrorIs(t, s.locator.Job().CompleteJobRun(ctx, 0, 0), hub.ErrNotFound)
	_, err = s.locator.Job().GetJobRun(ctx, 0)
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestWorkerRowMirrorsConnection(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	c := s.dial(t, hub.WorkerIntent{Descriptor: hub.WorkerDescriptor{
		Kind: hub.WorkerKindCompletion,
		Name: "StarCoder-1B",
		Port: 8080,
	}})

	rows, err := s.db.ListWorkerRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "http://127.0.0.1:8080", rows[0].Addr)
	assert.Equal(t, "StarCoder-1B", rows[0].Name)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		rows, err := s.db.ListWorkerRows(ctx)
		return err == nil && len(rows) == 0 && s.reg.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSearchAndRepositoriesEndToEnd(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	require.NoError(t, s.locator.Code().Index(ctx, hub.Document{
		GitURL: "https://github.com/codefionn/codehub.git", Filepath: "src/main.rs", Language: "rust",
		Body: "fn main() { println!(\"hi\"); }",
	}))
	require.NoError(t, s.locator.Code().Index(ctx, hub.Document{
		GitURL: "https://github.com/codefionn/codehub.git", Filepath: "main.go", Language: "go",
		Body: "func main() {}",
	}))
	_, err := s.locator.Repository().CreateRepository(ctx, "codehub", "https://github.com/codefionn/codehub.git")
	require.NoError(t, err)

	c := s.dial(t, hub.SchedulerIntent{})

	resp, err := c.Search(ctx, "fn main", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.NumHits)
	assert.Equal(t, "src/main.rs", resp.Hits[0].Doc.Filepath)

	resp, err = c.SearchInLanguage(ctx, "go", []string{"func", "main"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.NumHits)
	assert.Equal(t, float32(2), resp.Hits[0].Score)

	repos, err := c.ListRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "codehub", repos[0].Name)
	assert.Equal(t, "https://github.com/codefionn/codehub.git", repos[0].GitURL)

	_, err = s.locator.Repository().CreateRepository(ctx, "codehub", "https://other")
	assert.ErrorIs(t, err, hub.ErrConflict)
	_, err = s.locator.Repository().CreateRepository(ctx, "", "")
	assert.ErrorIs(t, err, hub.ErrInvalidArgument)
}

func TestStoreFailureDegradesCalls(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, hub.SchedulerIntent{})
	ctx := context.Background()

	require.NoError(t, s.db.Close())

	resp, err := c.Search(ctx, "main", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)

	id, err := c.CreateJobRun(ctx, "build")
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	repos, err := c.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestLogEventEndToEnd(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, hub.SchedulerIntent{})

	require.NoError(t, c.LogEvent(context.Background(), `{"type":"select"}`))
	require.NoError(t, s.events.Close())

	name := time.Now().UTC().Format("2006-01-02") + ".json"
	data, err := os.ReadFile(filepath.Join(s.events.Dir(), name))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"data":{"type":"select"}`)
}
