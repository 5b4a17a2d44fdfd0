// Package service assembles the hub's collaborators on top of the sqlite
// store, the worker registry and the event log.
package service

import (
	"context"

	"github.com/codefionn/codehub/internal/eventlog"
	"github.com/codefionn/codehub/internal/hub"
	"github.com/codefionn/codehub/internal/registry"
	"github.com/codefionn/codehub/internal/store"
)

// Locator implements hub.ServiceLocator
type Locator struct {
	workers *registry.Registry
	events  *eventlog.Writer
	code    codeService
	repos   repositoryService
	jobs    jobService
}

var _ hub.ServiceLocator = (*Locator)(nil)

// New bundles db, reg and events
func New(db *store.DB, reg *registry.Registry, events *eventlog.Writer) *Locator {
	return &Locator{
		workers: reg,
		events:  events,
		code:    codeService{db: db},
		repos:   repositoryService{db: db},
		jobs:    jobService{db: db},
	}
}

func (l *Locator) Worker() hub.WorkerService         { return l.workers }
func (l *Locator) Logger() hub.EventLogger           { return l.events }
func (l *Locator) Code() hub.CodeSearch              { return l.code }
func (l *Locator) Repository() hub.RepositoryService { return l.repos }
func (l *Locator) Job() hub.JobService               { return l.jobs }

type codeService struct {
	db *store.DB
}

func (s codeService) Search(ctx context.Context, q string, limit, offset int) (hub.SearchResponse, error) {
	res, err := s.db.Search(ctx, q, limit, offset)
	if err != nil {
		return hub.SearchResponse{}, translate(err)
	}
	return toSearchResponse(res), nil
}

func (s codeService) SearchInLanguage(ctx context.Context, language string, tokens []string, limit, offset int) (hub.SearchResponse, error) {
	res, err := s.db.SearchInLanguage(ctx, language, tokens, limit, offset)
	if err != nil {
		return hub.SearchResponse{}, translate(err)
	}
	return toSearchResponse(res), nil
}

func (s codeService) Index(ctx context.Context, doc hub.Document) error {
	return translate(s.db.IndexDocument(ctx, store.Document{
		GitURL:   doc.GitURL,
		Filepath: doc.Filepath,
		Language: doc.Language,
		Body:     doc.Body,
	}))
}

type repositoryService struct {
	db *store.DB
}

func (s repositoryService) ListRepositories(ctx context.Context, limit, offset int) ([]hub.RepositoryConfig, error) {
	repos, err := s.db.ListRepositories(ctx, limit, offset)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]hub.RepositoryConfig, 0, len(repos))
	for _, r := range repos {
		out = append(out, toRepositoryConfig(r))
	}
	return out, nil
}

func (s repositoryService) CreateRepository(ctx context.Context, name, gitURL string) (int64, error) {
	id, err := s.db.CreateRepository(ctx, name, gitURL)
	return id, translate(err)
}

func (s repositoryService) DeleteRepository(ctx context.Context, id int64) error {
	return translate(s.db.DeleteRepository(ctx, id))
}

type jobService struct {
	db *store.DB
}

func (s jobService) CreateJobRun(ctx context.Context, name string) (int64, error) {
	id, err := s.db.CreateJobRun(ctx, name)
	return id, translate(err)
}

func (s jobService) UpdateJobStdout(ctx context.Context, id int64, content string) error {
	return translate(s.db.UpdateJobStdout(ctx, id, content))
}

func (s jobService) UpdateJobStderr(ctx context.Context, id int64, content string) error {
	return translate(s.db.UpdateJobStderr(ctx, id, content))
}

func (s jobService) CompleteJobRun(ctx context.Context, id int64, exitCode int32) error {
	return translate(s.db.CompleteJobRun(ctx, id, exitCode))
}

func (s jobService) GetJobRun(ctx context.Context, id int64) (hub.JobRun, error) {
	run, err := s.db.GetJobRun(ctx, id)
	if err != nil {
		return hub.JobRun{}, translate(err)
	}
	return toJobRun(run), nil
}

func (s jobService) ListJobRuns(ctx context.Context, limit, offset int) ([]hub.JobRun, error) {
	runs, err := s.db.ListJobRuns(ctx, limit, offset)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]hub.JobRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, toJobRun(r))
	}
	return out, nil
}
