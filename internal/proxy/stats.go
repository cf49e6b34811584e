// Copyright 2026 The Orchestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
)

// Counters is the two-counter subset of the stub_status snapshot that the
// Control Loop reads to derive global request rate and connections.
type Counters struct {
	CumulativeRequests int64
	CurrentConnections int64
}

// Status is the full nginx stub_status snapshot, parsed verbatim.
type Status struct {
	ActiveConnections int64 `json:"activeConnections"`
	Accepts           int64 `json:"accepts"`
	Handled           int64 `json:"handled"`
	Requests          int64 `json:"requests"`
	Reading           int64 `json:"reading"`
	Writing           int64 `json:"writing"`
	Waiting           int64 `json:"waiting"`
}

// StatsSource scrapes nginx's stub_status module, the cheapest way to get
// cumulative request and active connection counters without a metrics
// exporter.
type StatsSource struct {
	url    string
	client *http.Client
}

// NewStatsSource points at an nginx stub_status endpoint, e.g.
// http://127.0.0.1:8081/nginx_status.
func NewStatsSource(statusURL string) *StatsSource {
	return &StatsSource{url: statusURL, client: cleanhttp.DefaultClient()}
}

// Snapshot fetches and parses the current counters consumed by the Control
// Loop's global-RPS derivation.
func (s *StatsSource) Snapshot(ctx context.Context) (Counters, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return Counters{}, err
	}
	return Counters{CumulativeRequests: status.Requests, CurrentConnections: status.ActiveConnections}, nil
}

// Status implements getProxyStatus(): the full stub_status snapshot for the
// admin API's /metrics endpoint.
func (s *StatsSource) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("building stub_status request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("fetching stub_status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("stub_status returned %d", resp.StatusCode)
	}
	return parseStubStatus(resp.Body)
}

// parseStubStatus parses nginx's plaintext stub_status format:
//
//	Active connections: 2
//	server accepts handled requests
//	 10 10 15
//	Reading: 0 Writing: 1 Waiting: 1
func parseStubStatus(r io.Reader) (Status, error) {
	var c Status
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineNo++
		switch {
		case strings.HasPrefix(line, "Active connections:"):
			fields := strings.Fields(line)
			if len(fields) == 3 {
				c.ActiveConnections, _ = strconv.ParseInt(fields[2], 10, 64)
			}
		case lineNo == 3:
			fields := strings.Fields(line)
			if len(fields) == 3 {
				c.Accepts, _ = strconv.ParseInt(fields[0], 10, 64)
				c.Handled, _ = strconv.ParseInt(fields[1], 10, 64)
				c.Requests, _ = strconv.ParseInt(fields[2], 10, 64)
			}
		case strings.HasPrefix(line, "Reading:"):
			fields := strings.Fields(line)
			if len(fields) == 6 {
				c.Reading, _ = strconv.ParseInt(fields[1], 10, 64)
				c.Writing, _ = strconv.ParseInt(fields[3], 10, 64)
				c.Waiting, _ = strconv.ParseInt(fields[5], 10, 64)
			}
		}
	}
	return c, scanner.Err()
}
