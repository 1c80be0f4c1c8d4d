// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mesh implements the rendezvous service used during multi-host
// startup: before any cross-host execution, every worker host joins the
// service and blocks until all expected workers have registered their
// network addresses, then receives the full worker->endpoint map.
//
// The task-0 host starts the Service; every host (including task 0) calls
// Join with a deadline. The service is only used at startup -- it plays no
// part in steady-state execution.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/xrt/internal/xsync"
)

const joinPath = "/mesh/v1/join"

// generationHeader carries the service generation. It is flushed to the
// joiner before the long poll starts, so a joiner that retries can tell a
// restarted service from the one it first registered with.
const generationHeader = "Mesh-Generation"

// joinRequest is the registration one worker host sends.
type joinRequest struct {
	Worker   string `json:"worker"`
	Endpoint string `json:"endpoint"`
}

// joinResponse carries the complete address map once every expected worker
// has registered.
type joinResponse struct {
	// Generation identifies one run of the service; a restart produces a new
	// generation, so joiners can detect a rendezvous that was torn down
	// under them.
	Generation string            `json:"generation"`
	Workers    map[string]string `json:"workers"`
}

// Service is the rendezvous point for one multi-host startup.
type Service struct {
	generation string
	server     *http.Server
	listener   net.Listener

	mu         sync.Mutex
	expected   map[string]bool
	registered map[string]string
	complete   *xsync.Latch
}

// StartService starts the rendezvous service on addr, expecting exactly the
// given worker names ("<name>:<task_no>") to join.
func StartService(addr string, expected []string) (*Service, error) {
	s := &Service{
		generation: uuid.NewString(),
		expected:   make(map[string]bool, len(expected)),
		registered: make(map[string]string, len(expected)),
		complete:   xsync.NewLatch(),
	}
	for _, worker := range expected {
		s.expected[worker] = true
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "mesh service failed to listen on %q", addr)
	}
	s.listener = listener

	router := chi.NewRouter()
	router.Post(joinPath, s.handleJoin)
	s.server = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Warningf("mesh service on %q: %v", addr, err)
		}
	}()
	klog.V(1).Infof("mesh service listening on %q, expecting %d workers", listener.Addr(), len(expected))
	return s, nil
}

// Addr returns the address the service is listening on.
func (s *Service) Addr() string {
	return s.listener.Addr().String()
}

// Close shuts the service down. Pending joins fail.
func (s *Service) Close() error {
	return s.server.Close()
}

func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed join request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if !s.expected[req.Worker] {
		s.mu.Unlock()
		http.Error(w, "unexpected worker "+req.Worker, http.StatusBadRequest)
		return
	}
	s.registered[req.Worker] = req.Endpoint
	if len(s.registered) == len(s.expected) {
		s.complete.Trigger()
	}
	s.mu.Unlock()

	// Acknowledge the registration with this service run's generation
	// before the long poll, so the joiner learns it even if the rendezvous
	// never completes.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(generationHeader, s.generation)
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	// Long-poll until every expected worker registered, or the joiner
	// gives up. An interrupted poll leaves the body truncated; the joiner
	// treats that as a retryable failure.
	select {
	case <-s.complete.WaitChan():
	case <-r.Context().Done():
		return
	}

	s.mu.Lock()
	workers := make(map[string]string, len(s.registered))
	for worker, endpoint := range s.registered {
		workers[worker] = endpoint
	}
	s.mu.Unlock()

	_ = json.NewEncoder(w).Encode(joinResponse{Generation: s.generation, Workers: workers})
}

// rejectedError marks a join the service turned away outright, such as a
// worker name it does not expect. Retrying cannot help.
type rejectedError struct {
	status string
}

func (e *rejectedError) Error() string {
	return "mesh service rejected join: " + e.status
}

// Join registers this host's worker and endpoint with the rendezvous service
// and blocks until all expected workers have joined, returning the complete
// worker->endpoint map.
//
// Join retries while the service is not yet reachable (the task-0 host may
// still be starting it) or while a long poll is interrupted, but gives up at
// the deadline: exceeding it is fatal to client construction, there is no
// degraded mode. A rejected registration, or a service that restarted (new
// generation) between retries, fails immediately.
func Join(serviceAddr, worker, endpoint string, deadline time.Time) (map[string]string, error) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	body, err := json.Marshal(joinRequest{Worker: worker, Endpoint: endpoint})
	if err != nil {
		return nil, errors.Wrap(err, "mesh join")
	}
	url := "http://" + serviceAddr + joinPath

	var firstGeneration string
	var lastErr error
	for {
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, errors.Wrapf(lastErr, "mesh rendezvous deadline exceeded for worker %q", worker)
		}
		generation, resp, err := join(ctx, url, body)
		if generation != "" {
			if firstGeneration == "" {
				firstGeneration = generation
			} else if generation != firstGeneration {
				return nil, errors.Errorf(
					"mesh service restarted during rendezvous (generation %s became %s), worker %q must start over",
					firstGeneration, generation, worker)
			}
		}
		if err == nil {
			return resp.Workers, nil
		}
		if _, rejected := err.(*rejectedError); rejected {
			return nil, errors.Wrapf(err, "mesh rendezvous failed for worker %q", worker)
		}
		lastErr = err
		klog.V(2).Infof("mesh join for %q not complete yet: %v", worker, err)
		select {
		case <-ctx.Done():
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// join performs a single registration attempt. The returned generation is
// known as soon as the service acknowledged the registration, even when the
// long poll that follows is interrupted and err is non-nil.
func join(ctx context.Context, url string, body []byte) (generation string, resp *joinResponse, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()
	if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
		return "", nil, &rejectedError{status: httpResp.Status}
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", nil, errors.Errorf("mesh service replied %s", httpResp.Status)
	}
	generation = httpResp.Header.Get(generationHeader)
	resp = &joinResponse{}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return generation, nil, errors.Wrap(err, "decoding mesh join response")
	}
	return generation, resp, nil
}
