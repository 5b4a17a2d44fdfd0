package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend unavailable")

// fakeLocator implements every collaborator interface in memory
type fakeLocator struct {
	mu sync.Mutex

	token      string
	tokenErr   error
	tokenReads int

	registerErr  error
	workers      map[string]Worker
	registered   []string
	unregistered []string

	events []string

	searchErr   error
	lastSearch  SearchParams
	lastLangReq SearchInLanguageParams
	docs        []Document
	started     chan string
	cancelled   chan string

	repos    []RepositoryConfig
	reposErr error

	jobErr  error
	jobs    map[int64]*JobRun
	nextJob int64
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{
		token:     "auth_test",
		workers:   make(map[string]Worker),
		jobs:      make(map[int64]*JobRun),
		started:   make(chan string, 8),
		cancelled: make(chan string, 8),
	}
}

func (f *fakeLocator) Worker() WorkerService         { return f }
func (f *fakeLocator) Logger() EventLogger           { return f }
func (f *fakeLocator) Code() CodeSearch              { return f }
func (f *fakeLocator) Repository() RepositoryService { return f }
func (f *fakeLocator) Job() JobService               { return f }

func (f *fakeLocator) ReadRegistrationToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenReads++
	return f.token, f.tokenErr
}

func (f *fakeLocator) ResetRegistrationToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = fmt.Sprintf("auth_reset_%d", f.tokenReads)
	return f.token, nil
}

func (f *fakeLocator) RegisterWorker(_ context.Context, w Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.workers[w.Addr] = w
	f.registered = append(f.registered, w.Addr)
	return nil
}

func (f *fakeLocator) UnregisterWorker(_ context.Context, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, addr)
	f.unregistered = append(f.unregistered, addr)
}

func (f *fakeLocator) ListWorkers(context.Context) []Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out
}

func (f *fakeLocator) Log(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, content)
}

func (f *fakeLocator) Search(ctx context.Context, q string, limit, offset int) (SearchResponse, error) {
	switch q {
	case "panic":
		panic("search exploded")
	case "block":
		f.started <- q
		<-ctx.Done()
		f.cancelled <- q
		return SearchResponse{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSearch = SearchParams{Q: q, Limit: limit, Offset: offset}
	if f.searchErr != nil {
		return SearchResponse{}, f.searchErr
	}
	resp := SearchResponse{}
	for _, doc := range f.docs {
		if strings.Contains(doc.Body, q) {
			resp.Hits = append(resp.Hits, Hit{Score: 1, Doc: doc})
		}
	}
	resp.NumHits = len(resp.Hits)
	return resp, nil
}

func (f *fakeLocator) SearchInLanguage(_ context.Context, language string, tokens []string, limit, offset int) (SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLangReq = SearchInLanguageParams{Language: language, Tokens: tokens, Limit: limit, Offset: offset}
	if f.searchErr != nil {
		return SearchResponse{}, f.searchErr
	}
	return SearchResponse{}, nil
}

func (f *fakeLocator) Index(_ context.Context, doc Document) error {
	if doc.GitURL == "" {
		return fmt.Errorf("git url required: %w", ErrInvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeLocator) ListRepositories(context.Context, int, int) ([]RepositoryConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos, f.reposErr
}

func (f *fakeLocator) CreateRepository(_ context.Context, name, gitURL string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.repos {
		if r.Name == name {
			return 0, fmt.Errorf("repository %q: %w", name, ErrConflict)
		}
	}
	id := int64(len(f.repos) + 1)
	f.repos = append(f.repos, RepositoryConfig{ID: id, Name: name, GitURL: gitURL})
	return id, nil
}

func (f *fakeLocator) DeleteRepository(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.repos {
		if r.ID == id {
			f.repos = append(f.repos[:i], f.repos[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("repository %d: %w", id, ErrNotFound)
}

func (f *fakeLocator) CreateJobRun(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobErr != nil {
		return 0, f.jobErr
	}
	f.nextJob++
	now := time.Now()
	f.jobs[f.nextJob] = &JobRun{ID: f.nextJob, Name: name, CreatedAt: now, UpdatedAt: now}
	return f.nextJob, nil
}

func (f *fakeLocator) job(id int64) (*JobRun, error) {
	if f.jobErr != nil {
		return nil, f.jobErr
	}
	run, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job run %d: %w", id, ErrNotFound)
	}
	return run, nil
}

func (f *fakeLocator) UpdateJobStdout(_ context.Context, id int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, err := f.job(id)
	if err != nil {
		return err
	}
	run.Stdout += content
	return nil
}

func (f *fakeLocator) UpdateJobStderr(_ context.Context, id int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, err := f.job(id)
	if err != nil {
		return err
	}
	run.Stderr += content
	return nil
}

func (f *fakeLocator) CompleteJobRun(_ context.Context, id int64, exitCode int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, err := f.job(id)
	if err != nil {
		return err
	}
	now := time.Now()
	run.ExitCode = &exitCode
	run.FinishedAt = &now
	return nil
}

func (f *fakeLocator) GetJobRun(_ context.Context, id int64) (JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, err := f.job(id)
	if err != nil {
		return JobRun{}, err
	}
	return *run, nil
}

func (f *fakeLocator) ListJobRuns(context.Context, int, int) ([]JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []JobRun
	for id := f.nextJob; id > 0; id-- {
		if run, ok := f.jobs[id]; ok {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (f *fakeLocator) set(fn func(f *fakeLocator)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeLocator) countUnregistered(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.unregistered {
		if a == addr {
			n++
		}
	}
	return n
}

func (f *fakeLocator) registeredAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.registered...)
}

func (f *fakeLocator) unregisteredAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unregistered...)
}

func (f *fakeLocator) workerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

// testHub is a hub served by an httptest server
type testHub struct {
	srv     *Server
	ts      *httptest.Server
	loc     *fakeLocator
	wsURL   string
	httpURL string
}

func newTestHub(t *testing.T, loc *fakeLocator, opts Options) *testHub {
	t.Helper()

	srv := NewServer(loc, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})

	return &testHub{
		srv:     srv,
		ts:      ts,
		loc:     loc,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/hub",
		httpURL: ts.URL,
	}
}

func (h *testHub) dial(t *testing.T, token string, intent ConnectionIntent) *Client {
	t.Helper()
	c, err := Dial(context.Background(), h.wsURL, token, intent, defaultTestTransport)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func workerIntent(name string, port uint16) WorkerIntent {
	return WorkerIntent{Descriptor: WorkerDescriptor{
		Kind:        WorkerKindCompletion,
		Name:        name,
		Port:        port,
		Device:      "cuda",
		Arch:        "x86_64",
		CPUCount:    8,
		CUDADevices: []string{"RTX 4090"},
	}}
}
