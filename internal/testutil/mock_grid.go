// Package testutil provides testing utilities for the grid client and
// reconciler.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/gridsync/pkg/grid"
)

// GoalETag is the ETag served with the goal map.
const GoalETag = `"goal-v1"`

// MockResponse is a scripted reply that preempts normal handling.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGrid is an in-memory grid service. Entity writes mutate the current
// map so reconciliation can converge against it.
type MockGrid struct {
	server      *httptest.Server
	candidateID string

	mu         sync.Mutex
	goal       grid.Grid
	current    grid.Grid
	scripted   map[string][]MockResponse
	requests   map[string]int
	inFlight   int
	peak       int
	writeDelay time.Duration

	conditional int
	notModified int
}

// NewMockGrid starts a server with the given goal map and an empty current
// map of the same shape.
func NewMockGrid(candidateID string, goal grid.Grid) *MockGrid {
	m := &MockGrid{
		candidateID: candidateID,
		goal:        goal,
		current:     grid.New(goal.Rows(), goal.Cols()),
		scripted:    make(map[string][]MockResponse),
		requests:    make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockGrid) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGrid) Close() {
	m.server.Close()
}

// SetCurrent replaces the current map.
func (m *MockGrid) SetCurrent(g grid.Grid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = g
}

// Current returns a copy of the current map.
func (m *MockGrid) Current() grid.Grid {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := grid.New(m.current.Rows(), m.current.Cols())
	for r, row := range m.current {
		for c, e := range row {
			if e != nil {
				cp := *e
				out[r][c] = &cp
			}
		}
	}
	return out
}

// SetWriteDelay makes every entity write take at least d.
func (m *MockGrid) SetWriteDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDelay = d
}

// Script queues replies for a route such as "POST /polyanets" or
// "GET /map/{id}/goal". Each request on the route consumes one reply until
// the queue is empty.
func (m *MockGrid) Script(route string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[route] = append(m.scripted[route], responses...)
}

// RequestCount returns the requests seen on route.
func (m *MockGrid) RequestCount(route string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[route]
}

// ConditionalCount returns the goal requests that carried If-None-Match.
func (m *MockGrid) ConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conditional
}

// NotModifiedCount returns how many 304 replies were sent.
func (m *MockGrid) NotModifiedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notModified
}

// PeakInFlight returns the highest number of concurrent entity writes.
func (m *MockGrid) PeakInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func (m *MockGrid) serve(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path

	m.mu.Lock()
	m.requests[route]++
	var scripted *MockResponse
	if q := m.scripted[route]; len(q) > 0 {
		scripted = &q[0]
		m.scripted[route] = q[1:]
	}
	m.mu.Unlock()

	if scripted != nil {
		if scripted.Delay > 0 {
			time.Sleep(scripted.Delay)
		}
		for k, v := range scripted.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(scripted.StatusCode)
		if scripted.Body != "" {
			w.Write([]byte(scripted.Body))
		}
		return
	}

	mapPath := "/map/" + m.candidateID
	switch {
	case r.Method == http.MethodGet && r.URL.Path == mapPath+"/goal":
		m.serveGoal(w, r)
	case r.Method == http.MethodGet && r.URL.Path == mapPath:
		m.serveCurrent(w)
	case r.Method == http.MethodPost || r.Method == http.MethodDelete:
		m.serveEntity(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockGrid) serveGoal(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if r.Header.Get("If-None-Match") != "" {
		m.conditional++
	}
	if r.Header.Get("If-None-Match") == GoalETag {
		m.notModified++
		m.mu.Unlock()
		w.Header().Set("ETag", GoalETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	tokens := make([][]string, m.goal.Rows())
	for r, row := range m.goal {
		tokens[r] = make([]string, len(row))
		for c, e := range row {
			if e == nil {
				tokens[r][c] = grid.SpaceToken
			} else {
				tokens[r][c] = e.Token()
			}
		}
	}
	m.mu.Unlock()

	w.Header().Set("ETag", GoalETag)
	w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	writeJSON(w, http.StatusOK, map[string]any{"goal": tokens})
}

type wireCell struct {
	Type      int    `json:"type"`
	Color     string `json:"color,omitempty"`
	Direction string `json:"direction,omitempty"`
}

func (m *MockGrid) serveCurrent(w http.ResponseWriter) {
	m.mu.Lock()
	content := make([][]*wireCell, m.current.Rows())
	for r, row := range m.current {
		content[r] = make([]*wireCell, len(row))
		for c, e := range row {
			if e != nil {
				content[r][c] = &wireCell{Type: int(e.Kind), Color: e.Color, Direction: e.Direction}
			}
		}
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"map": map[string]any{"content": content}})
}

func (m *MockGrid) serveEntity(w http.ResponseWriter, r *http.Request) {
	var kind grid.Kind
	switch strings.TrimPrefix(r.URL.Path, "/") {
	case grid.Polyanet.Resource():
		kind = grid.Polyanet
	case grid.Soloon.Resource():
		kind = grid.Soloon
	case grid.Cometh.Resource():
		kind = grid.Cometh
	default:
		http.NotFound(w, r)
		return
	}

	var body struct {
		CandidateID string `json:"candidateId"`
		Row         int    `json:"row"`
		Column      int    `json:"column"`
		Color       string `json:"color"`
		Direction   string `json:"direction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.CandidateID != m.candidateID {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown candidate"})
		return
	}

	m.mu.Lock()
	m.inFlight++
	m.peak = max(m.peak, m.inFlight)
	delay := m.writeDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--

	if body.Row < 0 || body.Row >= m.current.Rows() || body.Column < 0 || body.Column >= len(m.current[body.Row]) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("cell (%d,%d) out of range", body.Row, body.Column)})
		return
	}

	if r.Method == http.MethodDelete {
		m.current[body.Row][body.Column] = nil
	} else {
		m.current[body.Row][body.Column] = &grid.Entity{Kind: kind, Color: body.Color, Direction: body.Direction}
	}

	writeJSON(w, http.StatusOK, map[string]any{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
