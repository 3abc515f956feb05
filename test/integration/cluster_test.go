package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sts/internal/api"
	"github.com/dreamware/sts/internal/auth"
	"github.com/dreamware/sts/internal/cluster"
	"github.com/dreamware/sts/internal/directory"
	"github.com/dreamware/sts/internal/monitor"
	"github.com/dreamware/sts/internal/notify/notifytest"
	"github.com/dreamware/sts/internal/pin"
	"github.com/dreamware/sts/internal/session"
	"github.com/dreamware/sts/internal/storage"
)

const testPhone = "98079008"

// testNode is one STS node sharing the cluster's redis
type testNode struct {
	id         string
	grid       *storage.RedisGrid
	membership *cluster.RedisMembership
	resolver   *cluster.Resolver
	pins       *pin.Repository
	deliveries *monitor.DeliveryMonitor
	server     *httptest.Server
}

// TestCluster is a set of nodes on one miniredis
type TestCluster struct {
	t     *testing.T
	mr    *miniredis.Miniredis
	nodes []*testNode
	notes *notifytest.Recorder
}

type staticDirectory struct{}

func (staticDirectory) ListUsers(_ context.Context, q string) ([]directory.User, error) {
	return []directory.User{{UID: "uid-" + q, UserName: q, CellPhone: q}}, nil
}

func (staticDirectory) GetUserAggregate(_ context.Context, uid string) (directory.Aggregate, error) {
	phone := strings.TrimPrefix(uid, "uid-")
	return directory.Aggregate{User: directory.User{UID: uid, UserName: phone, CellPhone: phone}}, nil
}

func (staticDirectory) UserExists(context.Context, string) (bool, error) { return true, nil }

func (staticDirectory) CreatePinUser(context.Context, []byte) (directory.Aggregate, error) {
	return directory.Aggregate{}, directory.ErrNotFound
}

// NewTestCluster starts size nodes that join in order
func NewTestCluster(t *testing.T, size int) *TestCluster {
	tc := &TestCluster{t: t, mr: miniredis.RunT(t), notes: notifytest.NewRecorder()}
	for i := 0; i < size; i++ {
		tc.nodes = append(tc.nodes, tc.startNode(fmt.Sprintf("node-%d", i+1)))
		time.Sleep(2 * time.Millisecond)
	}
	t.Cleanup(tc.Stop)
	return tc
}

func (tc *TestCluster) startNode(id string) *testNode {
	t := tc.t
	client := redis.NewClient(&redis.Options{Addr: tc.mr.Addr()})
	grid := storage.NewRedisGrid(client, "sts:", nil)

	membership := cluster.NewRedisMembership(client, id, "http://"+id, cluster.RedisMembershipConfig{
		Prefix:    "sts:",
		Heartbeat: time.Hour,
		TTL:       2 * time.Hour,
	}, nil)
	require.NoError(t, membership.Join(context.Background()))
	resolver := cluster.NewResolver(membership, nil)

	pins, err := pin.NewRepository(grid, nil, pin.DefaultConfig(), nil)
	require.NoError(t, err)
	pins.SetPinGenerator(func() (string, error) { return "2468", nil })

	sessions := session.NewRepository(grid, time.Hour, nil)
	authn := auth.New(pins, staticDirectory{}, sessions, tc.notes, auth.Config{ListBackoff: time.Millisecond}, nil)
	deliveries := monitor.NewDeliveryMonitor(grid, resolver, tc.notes, monitor.DeliveryConfig{
		ReportingEnabled: true,
		NodeID:           id,
	}, nil)

	h := api.NewHandlers(api.Handlers{
		NodeID:     id,
		Pins:       pins,
		Auth:       authn,
		Deliveries: deliveries,
		Leader:     resolver,
	}, nil)
	return &testNode{
		id:         id,
		grid:       grid,
		membership: membership,
		resolver:   resolver,
		pins:       pins,
		deliveries: deliveries,
		server:     httptest.NewServer(api.NewRouter(h)),
	}
}

// Stop closes every node
func (tc *TestCluster) Stop() {
	for _, n := range tc.nodes {
		n.server.Close()
		_ = n.grid.Close()
	}
}

// Leaders returns the nodes that believe they lead
func (tc *TestCluster) Leaders() []string {
	var out []string
	for _, n := range tc.nodes {
		if n.resolver.IsLeader(context.Background()) {
			out = append(out, n.id)
		}
	}
	return out
}

func post(t *testing.T, url string, body any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestClusterBehaviour(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, tc *TestCluster)
	}{
		{"PinIssuedAnywhereIsConsumedOnce", testConsumeAcrossNodes},
		{"ConcurrentConsumersRace", testConcurrentConsumption},
		{"TrustedClientBindingIsShared", testTrustedBindingAcrossNodes},
		{"OldestMemberLeads", testLeadership},
		{"DeliveryReportsAreSummarizedOnce", testClusterDeliverySummary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, NewTestCluster(t, 3))
		})
	}
}

func testConsumeAcrossNodes(t *testing.T, tc *TestCluster) {
	require.Equal(t, http.StatusAccepted, post(t, tc.nodes[0].server.URL+"/pins", map[string]string{"phone": testPhone}))

	assert.Equal(t, http.StatusOK, post(t, tc.nodes[1].server.URL+"/pins/verify", map[string]string{"phone": testPhone, "pin": "2468"}))
	for _, n := range tc.nodes {
		assert.Equal(t, http.StatusUnauthorized, post(t, n.server.URL+"/pins/verify", map[string]string{"phone": testPhone, "pin": "2468"}), n.id)
	}
}

func testConcurrentConsumption(t *testing.T, tc *TestCluster) {
	_, err := tc.nodes[0].pins.IssuePin(context.Background(), testPhone)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(n *testNode) {
			defer wg.Done()
			outcome, err := n.pins.ConsumePin(context.Background(), testPhone, "2468")
			assert.NoError(t, err)
			if outcome.OK() {
				wins.Add(1)
			}
		}(tc.nodes[i%len(tc.nodes)])
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func testTrustedBindingAcrossNodes(t *testing.T, tc *TestCluster) {
	require.Equal(t, http.StatusAccepted, post(t, tc.nodes[2].server.URL+"/trusted-pins", map[string]string{"phone": testPhone, "client_id": "app-7"}))
	require.Equal(t, http.StatusOK, post(t, tc.nodes[0].server.URL+"/trusted-pins/verify", map[string]string{"phone": testPhone, "client_id": "app-7", "pin": "2468"}))

	bound, err := tc.nodes[1].pins.IsTrustedClientBound(context.Background(), "app-7", testPhone)
	require.NoError(t, err)
	assert.True(t, bound)

	assert.Equal(t, http.StatusOK, post(t, tc.nodes[1].server.URL+"/logon/trusted", map[string]string{"phone": testPhone, "client_id": "app-7"}))
	assert.Equal(t, http.StatusUnauthorized, post(t, tc.nodes[1].server.URL+"/logon/trusted", map[string]string{"phone": testPhone, "client_id": "app-8"}))
}

func testLeadership(t *testing.T, tc *TestCluster) {
	assert.Equal(t, []string{"node-1"}, tc.Leaders())

	require.NoError(t, tc.nodes[0].membership.Leave(context.Background()))
	assert.Equal(t, []string{"node-2"}, tc.Leaders(), "the next oldest takes over")
	assert.False(t, tc.nodes[0].resolver.IsLeader(context.Background()), "a node that left never leads")

	require.NoError(t, tc.nodes[0].membership.Join(context.Background()))
	assert.Equal(t, []string{"node-2"}, tc.Leaders(), "a rejoining node is the youngest")
}

func testClusterDeliverySummary(t *testing.T, tc *TestCluster) {
	delivered, failed := true, false
	for i, n := range tc.nodes {
		for j := 0; j < 4; j++ {
			assert.Equal(t, http.StatusOK, post(t, n.server.URL+"/sms/dlr", map[string]any{
				"transactionId": fmt.Sprintf("tx-%d-%d", i, j),
				"recipient":     "+47" + testPhone,
				"statusCode":    "DELIVERED",
				"delivered":     &delivered,
			}))
		}
	}
	assert.Equal(t, http.StatusOK, post(t, tc.nodes[2].server.URL+"/sms/dlr", map[string]any{
		"transactionId":      "tx-failed",
		"recipient":          "+47" + testPhone,
		"statusCode":         "FAILED",
		"detailedStatusCode": "NETWORK_ERROR",
		"delivered":          &failed,
	}))

	for _, n := range tc.nodes {
		require.NoError(t, n.deliveries.Report(context.Background()))
	}

	sent := tc.notes.Sent()
	require.Len(t, sent, 2, "only the leader reports")
	assert.Contains(t, sent[0].Message, "12 SMS delivered successfully")
	assert.Equal(t, "node-1", sent[0].Fields["clusterNode"])
	assert.Contains(t, sent[1].Message, "1 SMS delivery FAILED")
	assert.Contains(t, fmt.Sprint(sent[1].Fields["failures"]), "tx-failed")
}
