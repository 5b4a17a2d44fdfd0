// Package hub is the coordination server that workers and schedulers attach
// to. It authenticates each connection upgrade, registers worker peers for the
// lifetime of their connection and serves a fixed set of remote calls against
// a ServiceLocator.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Remote-callable methods
const (
	MethodLogEvent         = "log_event"
	MethodSearch           = "search"
	MethodSearchInLanguage = "search_in_language"
	MethodListRepositories = "list_repositories"
	MethodCreateJobRun     = "create_job_run"
	MethodUpdateJobStdout  = "update_job_stdout"
	MethodUpdateJobStderr  = "update_job_stderr"
	MethodCompleteJobRun   = "complete_job_run"
)

// ConnectHeader carries the JSON encoded ConnectionIntent of an upgrade request
const ConnectHeader = "X-Codehub-Connect"

var (
	// ErrUnauthorized is returned when a bearer credential is missing or wrong
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMissingIntent is returned when the upgrade request has no ConnectHeader
	ErrMissingIntent = errors.New("missing " + ConnectHeader + " header")
	// ErrNotFound is reported by collaborators for unknown ids
	ErrNotFound = errors.New("not found")
	// ErrConflict is reported by collaborators for duplicate keys
	ErrConflict = errors.New("already exists")
	// ErrInvalidArgument is reported by collaborators for incomplete input
	ErrInvalidArgument = errors.New("invalid argument")
)

type LogEventParams struct {
	Content string `json:"content"`
}

type SearchParams struct {
	Q      string `json:"q"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type SearchInLanguageParams struct {
	Language string   `json:"language"`
	Tokens   []string `json:"tokens"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
}

type CreateJobRunParams struct {
	Name string `json:"name"`
}

// JobOutputParams appends Content to the stdout or stderr of job ID
type JobOutputParams struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

type CompleteJobRunParams struct {
	ID       int64 `json:"id"`
	ExitCode int32 `json:"exit_code"`
}

// Document is an indexed source file
type Document struct {
	Body     string `json:"body"`
	Filepath string `json:"filepath"`
	GitURL   string `json:"git_url"`
	Language string `json:"language"`
}

type Hit struct {
	Score float32  `json:"score"`
	Doc   Document `json:"doc"`
}

// SearchResponse is relayed to the peer as returned by the code search
type SearchResponse struct {
	NumHits int   `json:"num_hits"`
	Hits    []Hit `json:"hits"`
}

// EmptySearchResponse is returned in place of a failed search
func EmptySearchResponse() SearchResponse {
	return SearchResponse{Hits: []Hit{}}
}

// RepositoryConfig describes one repository of the catalog. ID is only set by
// the admin API.
type RepositoryConfig struct {
	ID     int64  `json:"id,omitempty"`
	Name   string `json:"name"`
	GitURL string `json:"git_url"`
}

// JobRun is a tracked background job execution. It is running while
// FinishedAt is nil.
type JobRun struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	ExitCode   *int32     `json:"exit_code,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WorkerKind is the kind of model a worker serves
type WorkerKind string

const (
	WorkerKindCompletion WorkerKind = "completion"
	WorkerKindChat       WorkerKind = "chat"
)

// WorkerDescriptor is what a worker claims about itself when it connects.
// Nothing in it is verified.
type WorkerDescriptor struct {
	Kind        WorkerKind `json:"kind"`
	Name        string     `json:"name"`
	Port        uint16     `json:"port"`
	Device      string     `json:"device"`
	Arch        string     `json:"arch"`
	CPUInfo     string     `json:"cpu_info"`
	CPUCount    int        `json:"cpu_count"`
	CUDADevices []string   `json:"cuda_devices"`
}

func (d WorkerDescriptor) validate() error {
	switch d.Kind {
	case WorkerKindCompletion, WorkerKindChat:
	default:
		return fmt.Errorf("unknown worker kind %q", d.Kind)
	}
	if d.Port == 0 {
		return fmt.Errorf("worker port is required")
	}
	return nil
}

// Worker is a registry entry
type Worker struct {
	Addr         string           `json:"addr"`
	Descriptor   WorkerDescriptor `json:"descriptor"`
	RegisteredAt time.Time        `json:"registered_at"`
}

// NewWorker combines the observed origin ip of a connection with the port the
// worker declared.
func NewWorker(ip string, d WorkerDescriptor, now time.Time) Worker {
	return Worker{
		Addr:         WorkerAddr(ip, d.Port),
		Descriptor:   d,
		RegisteredAt: now,
	}
}

// WorkerAddr formats the URL a worker serves on
func WorkerAddr(ip string, port uint16) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(int(port)))
}

// ConnectionIntent is either SchedulerIntent or WorkerIntent
type ConnectionIntent interface {
	intentKind() string
}

// SchedulerIntent peers use the hub without being registered
type SchedulerIntent struct{}

// WorkerIntent peers are registered for the lifetime of their connection
type WorkerIntent struct {
	Descriptor WorkerDescriptor
}

func (SchedulerIntent) intentKind() string { return "scheduler" }
func (WorkerIntent) intentKind() string    { return "worker" }

type connectRequest struct {
	Kind   string            `json:"kind"`
	Worker *WorkerDescriptor `json:"worker,omitempty"`
}

// EncodeIntent renders intent as a ConnectHeader value
func EncodeIntent(intent ConnectionIntent) (string, error) {
	req := connectRequest{}
	switch in := intent.(type) {
	case SchedulerIntent:
		req.Kind = in.intentKind()
	case WorkerIntent:
		req.Kind = in.intentKind()
		d := in.Descriptor
		req.Worker = &d
	default:
		return "", fmt.Errorf("unsupported connection intent %T", intent)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode connection intent: %w", err)
	}
	return string(data), nil
}

// DecodeIntent parses a ConnectHeader value
func DecodeIntent(header string) (ConnectionIntent, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingIntent
	}

	var req connectRequest
	if err := json.Unmarshal([]byte(header), &req); err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", ConnectHeader, err)
	}

	switch req.Kind {
	case "scheduler":
		return SchedulerIntent{}, nil
	case "worker":
		if req.Worker == nil {
			return nil, fmt.Errorf("worker intent without descriptor")
		}
		if err := req.Worker.validate(); err != nil {
			return nil, err
		}
		return WorkerIntent{Descriptor: *req.Worker}, nil
	default:
		return nil, fmt.Errorf("unknown connection kind %q", req.Kind)
	}
}
