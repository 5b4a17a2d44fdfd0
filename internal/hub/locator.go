package hub

import "context"

// ServiceLocator bundles the collaborators a hub serves calls against. One
// locator is shared by every session.
type ServiceLocator interface {
	Worker() WorkerService
	Logger() EventLogger
	Code() CodeSearch
	Repository() RepositoryService
	Job() JobService
}

// WorkerService owns the registration token and the worker registry
type WorkerService interface {
	ReadRegistrationToken(ctx context.Context) (string, error)
	ResetRegistrationToken(ctx context.Context) (string, error)
	// RegisterWorker replaces any entry with the same address
	RegisterWorker(ctx context.Context, w Worker) error
	// UnregisterWorker is a no-op for unknown addresses and never fails
	UnregisterWorker(ctx context.Context, addr string)
	ListWorkers(ctx context.Context) []Worker
}

// EventLogger records opaque log_event payloads
type EventLogger interface {
	Log(content string)
}

type CodeSearch interface {
	Search(ctx context.Context, q string, limit, offset int) (SearchResponse, error)
	SearchInLanguage(ctx context.Context, language string, tokens []string, limit, offset int) (SearchResponse, error)
	Index(ctx context.Context, doc Document) error
}

// RepositoryService is the repository catalog. A non-positive limit lists
// everything.
type RepositoryService interface {
	ListRepositories(ctx context.Context, limit, offset int) ([]RepositoryConfig, error)
	CreateRepository(ctx context.Context, name, gitURL string) (int64, error)
	DeleteRepository(ctx context.Context, id int64) error
}

// JobService tracks job runs. Completed runs are immutable.
type JobService interface {
	CreateJobRun(ctx context.Context, name string) (int64, error)
	UpdateJobStdout(ctx context.Context, id int64, content string) error
	UpdateJobStderr(ctx context.Context, id int64, content string) error
	CompleteJobRun(ctx context.Context, id int64, exitCode int32) error
	GetJobRun(ctx context.Context, id int64) (JobRun, error)
	ListJobRuns(ctx context.Context, limit, offset int) ([]JobRun, error)
}
