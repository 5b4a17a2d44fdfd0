package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/codefionn/codehub/internal/consts"
	"github.com/codefionn/codehub/internal/rpc"
	"github.com/gorilla/websocket"
)

// HandshakeError is returned by Dial when the hub refuses the upgrade
type HandshakeError struct {
	StatusCode int
	Body       string
}

func (e *HandshakeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("hub refused connection: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("hub refused connection: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is makes a 401 handshake match ErrUnauthorized
func (e *HandshakeError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Client is the peer side of a hub connection
type Client struct {
	caller *rpc.Caller
}

// Dial connects to the hub endpoint url (ws:// or wss://) as intent.
func Dial(ctx context.Context, url, token string, intent ConnectionIntent, opts rpc.Options) (*Client, error) {
	header, err := EncodeIntent(intent)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set(ConnectHeader, header)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: consts.Timeout30Seconds,
	}
	conn, resp, err := dialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("failed to dial hub: %w", err)
	}

	return &Client{caller: rpc.NewCaller(rpc.NewTransport(conn, opts))}, nil
}

// Close ends the connection; the hub unregisters a worker peer afterwards
func (c *Client) Close() error {
	return c.caller.Close()
}

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.caller.Done()
}

// Call invokes method directly
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	return c.caller.Call(ctx, method, params, result)
}

func (c *Client) LogEvent(ctx context.Context, content string) error {
	return c.caller.Call(ctx, MethodLogEvent, LogEventParams{Content: content}, nil)
}

func (c *Client) Search(ctx context.Context, q string, limit, offset int) (SearchResponse, error) {
	var resp SearchResponse
	err := c.caller.Call(ctx, MethodSearch, SearchParams{Q: q, Limit: limit, Offset: offset}, &resp)
	return resp, err
}

func (c *Client) SearchInLanguage(ctx context.Context, language string, tokens []string, limit, offset int) (SearchResponse, error) {
	var resp SearchResponse
	err := c.caller.Call(ctx, MethodSearchInLanguage, SearchInLanguageParams{
		Language: language,
		Tokens:   tokens,
		Limit:    limit,
		Offset:   offset,
	}, &resp)
	return resp, err
}

func (c *Client) ListRepositories(ctx context.Context) ([]RepositoryConfig, error) {
	var repos []RepositoryConfig
	err := c.caller.Call(ctx, MethodListRepositories, nil, &repos)
	return repos, err
}

// CreateJobRun returns 0 if the hub could not create the run
func (c *Client) CreateJobRun(ctx context.Context, name string) (int64, error) {
	var id int64
	err := c.caller.Call(ctx, MethodCreateJobRun, CreateJobRunParams{Name: name}, &id)
	return id, err
}

func (c *Client) UpdateJobStdout(ctx context.Context, id int64, content string) error {
	return c.caller.Call(ctx, MethodUpdateJobStdout, JobOutputParams{ID: id, Content: content}, nil)
}

func (c *Client) UpdateJobStderr(ctx context.Context, id int64, content string) error {
	return c.caller.Call(ctx, MethodUpdateJobStderr, JobOutputParams{ID: id, Content: content}, nil)
}

func (c *Client) CompleteJobRun(ctx context.Context, id int64, exitCode int32) error {
	return c.caller.Call(ctx, MethodCompleteJobRun, CompleteJobRunParams{ID: id, ExitCode: exitCode}, nil)
}

// IsUnauthorized reports whether err is a rejected credential
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
