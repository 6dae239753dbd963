// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type mockEngine struct {
	primary bool
	queues  []string
	dump    []string
}

func (m *mockEngine) IsPrimary() bool                        { return m.primary }
func (m *mockEngine) Queues() []string                       { return m.queues }
func (m *mockEngine) DumpInternals(context.Context) []string { return m.dump }

type mockCluster struct {
	leader   bool
	leaderID string
	applied  uint64
}

func (m *mockCluster) IsLeader() bool           { return m.leader }
func (m *mockCluster) Leader() (string, string) { return m.leaderID, "" }
func (m *mockCluster) AppliedIndex() uint64     { return m.applied }

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, &mockEngine{}, nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, &mockEngine{}, nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if response.Status != "healthy" {
					t.Errorf("expected healthy, got %q", response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		engine         Engine
		cluster        Cluster
		expectedStatus int
		expectedRole   string
		expectedReason string
	}{
		{
			name:           "single node primary is ready",
			engine:         &mockEngine{primary: true},
			expectedStatus: http.StatusOK,
			expectedRole:   "primary",
		},
		{
			name:           "no engine",
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "engine not initialized",
		},
		{
			name:           "cluster without leader",
			engine:         &mockEngine{},
			cluster:        &mockCluster{},
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "no raft leader",
		},
		{
			name:           "replica with leader is ready",
			engine:         &mockEngine{},
			cluster:        &mockCluster{leaderID: "n2"},
			expectedStatus: http.StatusOK,
			expectedRole:   "replica",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.engine, tt.cluster, slog.Default())
			req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Role != tt.expectedRole {
				t.Errorf("expected role %q, got %q", tt.expectedRole, response.Role)
			}
			if response.Details != tt.expectedReason {
				t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
			}
		})
	}
}

func TestClusterStatusEndpoint(t *testing.T) {
	engine := &mockEngine{primary: true, queues: []string{"d/a", "d/b"}}

	server := New(Config{NodeID: "n1"}, engine, &mockCluster{leader: true, leaderID: "n1", applied: 7}, slog.Default())
	req := httptest.NewRequest(http.MethodGet, "http://test/cluster/status", nil)
	rec := httptest.NewRecorder()
	server.handleClusterStatus(rec, req)

	var response ClusterStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := ClusterStatusResponse{
		NodeID:       "n1",
		ClusterMode:  true,
		IsLeader:     true,
		Role:         "primary",
		LeaderID:     "n1",
		AppliedIndex: 7,
		Queues:       2,
	}
	if response != want {
		t.Errorf("expected %+v, got %+v", want, response)
	}

	server = New(Config{}, engine, nil, slog.Default())
	rec = httptest.NewRecorder()
	server.handleClusterStatus(rec, req)
	response = ClusterStatusResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.ClusterMode || response.NodeID != "single-node" || !response.IsLeader {
		t.Errorf("unexpected single node status: %+v", response)
	}
}

func TestInternalsEndpoint(t *testing.T) {
	engine := &mockEngine{dump: []string{"Num virtual storages: 1", "foo: status=alive"}}
	server := New(Config{}, engine, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/internals", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text content type, got %q", ct)
	}
	if body := rec.Body.String(); body != "Num virtual storages: 1\nfoo: status=alive\n" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestListenShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &mockEngine{}, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.Addr() == "" {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Listen returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
