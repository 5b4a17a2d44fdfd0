package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/codehub/internal/rpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultTestTransport = rpc.Options{}

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func TestUnauthorizedConnectionIsRejected(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})

	_, err := Dial(context.Background(), h.wsURL, "auth_wrong", workerIntent("w", 8080), defaultTestTransport)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	var hs *HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, http.StatusUnauthorized, hs.StatusCode)

	assert.Empty(t, h.loc.registeredAddrs())
	assert.Equal(t, 0, h.srv.SessionCount())
}

func TestMissingIntentIsRejected(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})

	header := http.Header{}
	header.Set("Authorization", "Bearer auth_test")
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, h.loc.registeredAddrs())
}

func TestRegistrationFailureAbortsUpgrade(t *testing.T) {
	loc := newFakeLocator()
	loc.registerErr = errBackend
	h := newTestHub(t, loc, Options{})

	_, err := Dial(context.Background(), h.wsURL, "auth_test", workerIntent("w", 8080), defaultTestTransport)
	var hs *HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, http.StatusInternalServerError, hs.StatusCode)
	assert.Equal(t, 0, loc.workerCount())
	assert.Equal(t, 0, h.srv.SessionCount())
}

func TestWorkerRegisteredForConnectionLifetime(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})
	const addr = "http://127.0.0.1:8080"

	c := h.dial(t, "auth_test", workerIntent("StarCoder-1B", 8080))

	workers := h.loc.ListWorkers(context.Background())
	require.Len(t, workers, 1)
	assert.Equal(t, addr, workers[0].Addr)
	assert.Equal(t, "StarCoder-1B", workers[0].Descriptor.Name)
	assert.Eventually(t, func() bool { return h.srv.SessionCount() == 1 }, waitFor, tick)

	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool { return h.loc.countUnregistered(addr) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return h.srv.SessionCount() == 0 }, waitFor, tick)
	assert.Never(t, func() bool { return h.loc.countUnregistered(addr) > 1 }, 200*time.Millisecond, tick)
	assert.Equal(t, 0, h.loc.workerCount())
}

func TestWorkerUnregisteredOnAbruptDrop(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})
	const addr = "http://127.0.0.1:8090"

	header := http.Header{}
	header.Set("Authorization", "Bearer auth_test")
	intent, err := EncodeIntent(workerIntent("w", 8090))
	require.NoError(t, err)
	header.Set(ConnectHeader, intent)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL, header)
	require.NoError(t, err)
	assert.Equal(t, 1, h.loc.workerCount())

	// Drop the TCP connection without a close handshake.
	require.NoError(t, conn.NetConn().Close())

	assert.Eventually(t, func() bool { return h.loc.countUnregistered(addr) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return h.loc.countUnregistered(addr) > 1 }, 200*time.Millisecond, tick)
}

func TestSchedulerIsNeverRegistered(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})
	const addr = "http://127.0.0.1:8081"

	sched := h.dial(t, "auth_test", SchedulerIntent{})
	worker := h.dial(t, "auth_test", workerIntent("w", 8081))

	assert.Eventually(t, func() bool { return h.srv.SessionCount() == 2 }, waitFor, tick)
	workers := h.loc.ListWorkers(context.Background())
	require.Len(t, workers, 1)
	assert.Equal(t, addr, workers[0].Addr)

	// Both peers are served concurrently.
	_, err := sched.ListRepositories(context.Background())
	require.NoError(t, err)
	_, err = worker.ListRepositories(context.Background())
	require.NoError(t, err)

	require.NoError(t, sched.Close())
	assert.Eventually(t, func() bool { return h.srv.SessionCount() == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.loc.workerCount())
	assert.Empty(t, h.loc.unregisteredAddrs())

	require.NoError(t, worker.Close())
	assert.Eventually(t, func() bool { return h.loc.workerCount() == 0 }, waitFor, tick)
	assert.Equal(t, []string{addr}, h.loc.unregisteredAddrs())
}

func TestWorkerReconnectKeepsOneEntry(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})
	const addr = "http://127.0.0.1:8082"

	first := h.dial(t, "auth_test", workerIntent("v1", 8082))
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool { return h.loc.countUnregistered(addr) == 1 }, waitFor, tick)

	h.dial(t, "auth_test", workerIntent("v2", 8082))

	workers := h.loc.ListWorkers(context.Background())
	require.Len(t, workers, 1)
	assert.Equal(t, addr, workers[0].Addr)
	assert.Equal(t, "v2", workers[0].Descriptor.Name)
}

func TestOverlappingWorkerConnectionsKeepNewestEntry(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})
	const addr = "http://127.0.0.1:9002"

	first := h.dial(t, "auth_test", workerIntent("v1", 9002))
	second := h.dial(t, "auth_test", workerIntent("v2", 9002))
	assert.Eventually(t, func() bool { return h.srv.SessionCount() == 2 }, waitFor, tick)

	// The older connection ends while the newer one is live.
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool { return h.srv.SessionCount() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return h.loc.workerCount() == 0 }, 200*time.Millisecond, tick)

	workers := h.loc.ListWorkers(context.Background())
	require.Len(t, workers, 1)
	assert.Equal(t, "v2", workers[0].Descriptor.Name)
	assert.Empty(t, h.loc.unregisteredAddrs())

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool { return h.loc.countUnregistered(addr) == 1 }, waitFor, tick)
	assert.Equal(t, 0, h.loc.workerCount())
}

func TestAbruptDropOfReplacedConnection(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})
	const addr = "http://127.0.0.1:9003"

	header := http.Header{}
	header.Set("Authorization", "Bearer auth_test")
	intent, err := EncodeIntent(workerIntent("v1", 9003))
	require.NoError(t, err)
	header.Set(ConnectHeader, intent)
	stale, _, err := websocket.DefaultDialer.Dial(h.wsURL, header)
	require.NoError(t, err)

	h.dial(t, "auth_test", workerIntent("v2", 9003))
	require.NoError(t, stale.NetConn().Close())

	assert.Eventually(t, func() bool { return h.srv.SessionCount() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return h.loc.countUnregistered(addr) > 0 }, 200*time.Millisecond, tick)
	assert.Equal(t, 1, h.loc.workerCount())
}

func TestConnectionLimit(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{MaxConnections: 1})

	h.dial(t, "auth_test", SchedulerIntent{})

	_, err := Dial(context.Background(), h.wsURL, "auth_test", SchedulerIntent{}, defaultTestTransport)
	var hs *HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, http.StatusServiceUnavailable, hs.StatusCode)
}

func TestTokenResetAppliesToNextConnection(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})

	c := h.dial(t, "auth_test", SchedulerIntent{})
	_, err := h.loc.ResetRegistrationToken(context.Background())
	require.NoError(t, err)

	// The open connection is not re-checked.
	_, err = c.ListRepositories(context.Background())
	require.NoError(t, err)

	_, err = Dial(context.Background(), h.wsURL, "auth_test", SchedulerIntent{}, defaultTestTransport)
	assert.True(t, IsUnauthorized(err))
}

func TestShutdownClosesSessionsAndUnregisters(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})
	const addr = "http://127.0.0.1:8083"

	c := h.dial(t, "auth_test", workerIntent("w", 8083))
	assert.Eventually(t, func() bool { return h.srv.SessionCount() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	assert.Equal(t, 1, h.loc.countUnregistered(addr))
	assert.Equal(t, 0, h.srv.SessionCount())

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client not disconnected by shutdown")
	}

	_, err := Dial(context.Background(), h.wsURL, "auth_test", SchedulerIntent{}, defaultTestTransport)
	assert.Error(t, err)
}

func TestUpgradeWithoutWebSocketUnregisters(t *testing.T) {
	h := newTestHub(t, newFakeLocator(), Options{})

	intent, err := EncodeIntent(workerIntent("w", 8084))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, h.httpURL+"/hub", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer auth_test")
	req.Header.Set(ConnectHeader, intent)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, []string{"http://127.0.0.1:8084"}, h.loc.registeredAddrs())
	assert.Eventually(t, func() bool { return h.loc.countUnregistered("http://127.0.0.1:8084") == 1 }, waitFor, tick)
	assert.Equal(t, 0, h.loc.workerCount())
}

func TestHandshakeErrorMessage(t *testing.T) {
	err := &HandshakeError{StatusCode: http.StatusUnauthorized, Body: "Unauthorized"}
	assert.True(t, strings.Contains(err.Error(), "401"))
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, errors.Is(&HandshakeError{StatusCode: http.StatusBadRequest}, ErrUnauthorized))
}
