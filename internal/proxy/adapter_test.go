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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestRenderIsDeterministicRegardlessOfInputOrder confirms Render sorts
// both apps and backends, so two calls with the same set in different
// orders produce byte-identical config text (a stable diff between reloads).
func TestRenderIsDeterministicRegardlessOfInputOrder(t *testing.T) {
	a := []Upstream{
		{AppName: "web", Backends: []Backend{{IP: "10.0.0.2", Port: 8080}, {IP: "10.0.0.1", Port: 8080}}},
		{AppName: "api", Backends: []Backend{{IP: "10.0.1.1", Port: 9090}}},
	}
	b := []Upstream{
		{AppName: "api", Backends: []Backend{{IP: "10.0.1.1", Port: 9090}}},
		{AppName: "web", Backends: []Backend{{IP: "10.0.0.1", Port: 8080}, {IP: "10.0.0.2", Port: 8080}}},
	}

	out1, err := Render(a)
	if err != nil {
		t.Fatalf("Render(a): %v", err)
	}
	out2, err := Render(b)
	if err != nil {
		t.Fatalf("Render(b): %v", err)
	}
	if diff := cmp.Diff(out1, out2); diff != "" {
		t.Fatalf("Render output differs by input order (-a +b):\n%s", diff)
	}

	apiIdx := strings.Index(out1, "api_backend")
	webIdx := strings.Index(out1, "web_backend")
	if apiIdx == -1 || webIdx == -1 || apiIdx > webIdx {
		t.Fatalf("expected api_backend to sort before web_backend, got:\n%s", out1)
	}
}

// TestRenderOmitsBackendsForEmptyUpstream confirms an app with no ready
// replicas still gets an (empty) upstream block rather than being dropped,
// so nginx doesn't 502 with "no such upstream" while scaled to zero.
func TestRenderOmitsBackendsForEmptyUpstream(t *testing.T) {
	out, err := Render([]Upstream{{AppName: "idle", Backends: nil}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "upstream idle_backend {") {
		t.Fatalf("expected an upstream block for idle, got:\n%s", out)
	}
	block := out[strings.Index(out, "upstream idle_backend {"):]
	block = block[:strings.Index(block, "}")+1]
	if strings.Contains(block, "server ") {
		t.Fatalf("expected no server lines for a backend-less upstream, got:\n%s", out)
	}
}

// TestRenderProducesValidLookingServerBlock sanity-checks the generated
// server block references the matching upstream name.
func TestRenderProducesValidLookingServerBlock(t *testing.T) {
	out, err := Render([]Upstream{{AppName: "checkout", Backends: []Backend{{IP: "10.0.0.5", Port: 3000}}}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "server 10.0.0.5:3000;") {
		t.Fatalf("expected a server line for the single backend, got:\n%s", out)
	}
	if !strings.Contains(out, "proxy_pass http://checkout_backend;") {
		t.Fatalf("expected proxy_pass to reference checkout_backend, got:\n%s", out)
	}
}

// TestValidateAppNameRejectsShellMetacharacters guards the restriction spec
// section 4.4 calls for: app names become path components, so anything
// outside alphanumerics/-/_ must be rejected before it reaches a file path.
func TestValidateAppNameRejectsShellMetacharacters(t *testing.T) {
	for _, name := range []string{"", "web/../etc", "web;rm", "web space", "café"} {
		if err := validateAppName(name); err == nil {
			t.Errorf("validateAppName(%q) = nil, want error", name)
		}
	}
	for _, name := range []string{"web", "web-1", "web_1", "Web123"} {
		if err := validateAppName(name); err != nil {
			t.Errorf("validateAppName(%q) = %v, want nil", name, err)
		}
	}
}

// TestValidateBackendsRejectsEmptyHostOrBadPort covers updateUpstreams's
// per-server validation step.
func TestValidateBackendsRejectsEmptyHostOrBadPort(t *testing.T) {
	cases := []struct {
		name     string
		backends []Backend
		wantErr  bool
	}{
		{"valid", []Backend{{IP: "10.0.0.1", Port: 8080}}, false},
		{"empty host", []Backend{{IP: "", Port: 8080}}, true},
		{"zero port", []Backend{{IP: "10.0.0.1", Port: 0}}, true},
		{"negative port", []Backend{{IP: "10.0.0.1", Port: -1}}, true},
		{"port too large", []Backend{{IP: "10.0.0.1", Port: 70000}}, true},
		{"no backends", nil, false},
	}
	for _, tc := range cases {
		err := validateBackends(tc.backends)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: validateBackends = %v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
