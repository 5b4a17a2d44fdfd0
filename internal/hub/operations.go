package hub

import (
	"context"
	"encoding/json"

	"github.com/codefionn/codehub/internal/logger"
	"github.com/codefionn/codehub/internal/rpc"
)

// operation serves one decoded call. Collaborator failures never become RPC
// errors: they are logged and replaced by a neutral result.
type operation func(ctx context.Context, loc ServiceLocator, params json.RawMessage) (any, *rpc.Error)

var operations = map[string]operation{
	MethodLogEvent:         handleVoid(logEvent),
	MethodSearch:           handle(search),
	MethodSearchInLanguage: handle(searchInLanguage),
	MethodListRepositories: handle(listRepositories),
	MethodCreateJobRun:     handle(createJobRun),
	MethodUpdateJobStdout:  handleVoid(updateJobStdout),
	MethodUpdateJobStderr:  handleVoid(updateJobStderr),
	MethodCompleteJobRun:   handleVoid(completeJobRun),
}

func handle[P, R any](fn func(context.Context, ServiceLocator, P) R) operation {
	return func(ctx context.Context, loc ServiceLocator, raw json.RawMessage) (any, *rpc.Error) {
		var params P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, rpc.Errorf(rpc.CodeInvalidParams, "%v", err)
			}
		}
		return fn(ctx, loc, params), nil
	}
}

func handleVoid[P any](fn func(context.Context, ServiceLocator, P)) operation {
	return handle(func(ctx context.Context, loc ServiceLocator, params P) any {
		fn(ctx, loc, params)
		return nil
	})
}

func logEvent(_ context.Context, loc ServiceLocator, p LogEventParams) {
	loc.Logger().Log(p.Content)
}

func search(ctx context.Context, loc ServiceLocator, p SearchParams) SearchResponse {
	resp, err := loc.Code().Search(ctx, p.Q, p.Limit, p.Offset)
	if err != nil {
		logger.Warn("Failed to search: %v", err)
		return EmptySearchResponse()
	}
	return normalizeSearch(resp)
}

func searchInLanguage(ctx context.Context, loc ServiceLocator, p SearchInLanguageParams) SearchResponse {
	resp, err := loc.Code().SearchInLanguage(ctx, p.Language, p.Tokens, p.Limit, p.Offset)
	if err != nil {
		logger.Warn("Failed to search in language %s: %v", p.Language, err)
		return EmptySearchResponse()
	}
	return normalizeSearch(resp)
}

func normalizeSearch(resp SearchResponse) SearchResponse {
	if resp.Hits == nil {
		resp.Hits = []Hit{}
	}
	return resp
}

func listRepositories(ctx context.Context, loc ServiceLocator, _ struct{}) []RepositoryConfig {
	repos, err := loc.Repository().ListRepositories(ctx, 0, 0)
	if err != nil {
		logger.Warn("Failed to list repositories: %v", err)
		return []RepositoryConfig{}
	}
	if repos == nil {
		return []RepositoryConfig{}
	}
	return repos
}

// createJobRun returns 0 when the run could not be created. Real ids start at 1.
func createJobRun(ctx context.Context, loc ServiceLocator, p CreateJobRunParams) int64 {
	id, err := loc.Job().CreateJobRun(ctx, p.Name)
	if err != nil {
		logger.Warn("Failed to create job run: %v", err)
		return 0
	}
	return id
}

func updateJobStdout(ctx context.Context, loc ServiceLocator, p JobOutputParams) {
	if err := loc.Job().UpdateJobStdout(ctx, p.ID, p.Content); err != nil {
		logger.Warn("Failed to update job stdout: %v", err)
	}
}

func updateJobStderr(ctx context.Context, loc ServiceLocator, p JobOutputParams) {
	if err := loc.Job().UpdateJobStderr(ctx, p.ID, p.Content); err != nil {
		logger.Warn("Failed to update job stderr: %v", err)
	}
}

func completeJobRun(ctx context.Context, loc ServiceLocator, p CompleteJobRunParams) {
	if err := loc.Job().CompleteJobRun(ctx, p.ID, p.ExitCode); err != nil {
		logger.Warn("Failed to complete job run: %v", err)
	}
}
