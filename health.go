// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter mirrors coordinator outcomes into the standard gRPC health service
type HealthReporter struct {
	server *health.Server
	logger *Logger

	mu      sync.Mutex
	healthy map[string]bool
}

// NewHealthReporter starts NOT_SERVING until every instance has refreshed once
func NewHealthReporter(instanceIDs []string, logger *Logger) *HealthReporter {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	h := &HealthReporter{
		server:  health.NewServer(),
		logger:  logger.WithComponent("health"),
		healthy: make(map[string]bool, len(instanceIDs)),
	}
	for _, id := range instanceIDs {
		h.healthy[id] = false
	}
	h.publish()
	return h
}

// Update records the outcome of one refresh. Matches Coordinator.OnUpdate.
func (h *HealthReporter) Update(instanceID string, err error) {
	h.mu.Lock()
	h.healthy[instanceID] = err == nil
	h.mu.Unlock()
	h.publish()
}

// Serving reports whether every instance's last refresh succeeded
func (h *HealthReporter) Serving() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serving()
}

func (h *HealthReporter) serving() bool {
	if len(h.healthy) == 0 {
		return false
	}
	for _, ok := range h.healthy {
		if !ok {
			return false
		}
	}
	return true
}

func (h *HealthReporter) publish() {
	h.mu.Lock()
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.serving() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.mu.Unlock()

	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthServiceName, status)
}

// Check answers a health query in-process, as a gRPC client would see it
func (h *HealthReporter) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.server.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve exposes the health service on port until ctx is cancelled
func (h *HealthReporter) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", port, err)
	}

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, h.server)

	go func() {
		<-ctx.Done()
		h.logger.Info("Shutting down gRPC health server")
		h.server.Shutdown()
		g.GracefulStop()
	}()

	h.logger.Info("gRPC health server listening", "port", port)
	if err := g.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server: %w", err)
	}
	return nil
}
