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

// Command orchestryctl is a thin net/http client over orchestryd's admin
// API, wrapped in a kingpin command tree the same way the ambient config
// stack is shared across both binaries.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/alecthomas/kingpin/v2"
)

func main() {
	a := kingpin.New("orchestryctl", "Command-line client for the Orchestry control plane")
	server := a.Flag("server", "Base URL of the admin API").Default("http://127.0.0.1:8080").String()
	timeout := a.Flag("timeout", "Request timeout").Default("10s").Duration()

	register := a.Command("register", "Register an app from a spec file")
	registerFile := register.Arg("file", "Path to the app spec JSON file").Required().String()

	up := a.Command("up", "Start an app")
	upName := up.Arg("name", "App name").Required().String()

	down := a.Command("down", "Stop an app")
	downName := down.Arg("name", "App name").Required().String()

	status := a.Command("status", "Show an app's runtime status")
	statusName := status.Arg("name", "App name").Required().String()

	list := a.Command("list", "List every registered app")

	scale := a.Command("scale", "Set an app's desired replica count")
	scaleName := scale.Arg("name", "App name").Required().String()
	scaleReplicas := scale.Arg("replicas", "Desired replica count").Required().Int()

	policy := a.Command("policy", "Set an app's scaling policy from a JSON file")
	policyName := policy.Arg("name", "App name").Required().String()
	policyFile := policy.Arg("file", "Path to a ScalingPolicy JSON file").Required().String()

	metrics := a.Command("metrics", "Show an app's aggregated metrics")
	metricsName := metrics.Arg("name", "App name").Required().String()

	raw := a.Command("raw", "Show an app's raw and parsed spec")
	rawName := raw.Arg("name", "App name").Required().String()

	events := a.Command("events", "List recent events")
	eventsApp := events.Flag("app", "Filter by app name").String()
	eventsKind := events.Flag("kind", "Filter by event kind").String()

	clusterStatus := a.Command("cluster-status", "Show cluster membership")
	clusterLeader := a.Command("cluster-leader", "Show the current cluster leader")
	clusterHealth := a.Command("cluster-health", "Show cluster health")

	global := a.Command("global-metrics", "Show the global system metrics snapshot")

	a.HelpFlag.Short('h')

	cmd, err := a.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	c := &client{base: *server, http: &http.Client{Timeout: *timeout}}

	switch cmd {
	case register.FullCommand():
		body, err := os.ReadFile(*registerFile)
		exitOn(err)
		exitOn(c.doPrint(http.MethodPost, "/apps/register", bytes.NewReader(body)))
	case up.FullCommand():
		exitOn(c.doPrint(http.MethodPost, "/apps/"+*upName+"/up", nil))
	case down.FullCommand():
		exitOn(c.doPrint(http.MethodPost, "/apps/"+*downName+"/down", nil))
	case status.FullCommand():
		exitOn(c.doPrint(http.MethodGet, "/apps/"+*statusName+"/status", nil))
	case list.FullCommand():
		exitOn(c.doPrint(http.MethodGet, "/apps", nil))
	case scale.FullCommand():
		body, _ := json.Marshal(map[string]int{"replicas": *scaleReplicas})
		exitOn(c.doPrint(http.MethodPost, "/apps/"+*scaleName+"/scale", bytes.NewReader(body)))
	case policy.FullCommand():
		policyBody, err := os.ReadFile(*policyFile)
		exitOn(err)
		body, _ := json.Marshal(map[string]json.RawMessage{"policy": policyBody})
		exitOn(c.doPrint(http.MethodPost, "/apps/"+*policyName+"/policy", bytes.NewReader(body)))
	case metrics.FullCommand():
		exitOn(c.doPrint(http.MethodGet, "/apps/"+*metricsName+"/metrics", nil))
	case raw.FullCommand():
		exitOn(c.doPrint(http.MethodGet, "/apps/"+*rawName+"/raw", nil))
	case events.FullCommand():
		path := "/events"
		sep := "?"
		if *eventsApp != "" {
			path += sep + "app=" + *eventsApp
			sep = "&"
		}
		if *eventsKind != "" {
			path += sep + "kind=" + *eventsKind
		}
		exitOn(c.doPrint(http.MethodGet, path, nil))
	case clusterStatus.FullCommand():
		exitOn(c.doPrint(http.MethodGet, "/cluster/status", nil))
	case clusterLeader.FullCommand():
		exitOn(c.doPrint(http.MethodGet, "/cluster/leader", nil))
	case clusterHealth.FullCommand():
		exitOn(c.doPrint(http.MethodGet, "/cluster/health", nil))
	case global.FullCommand():
		exitOn(c.doPrint(http.MethodGet, "/metrics", nil))
	}
}

type client struct {
	base string
	http *http.Client
}

// doPrint issues a request and pretty-prints the JSON response body to
// stdout, surfacing a non-2xx status as an error.
func (c *client) doPrint(method, path string, body io.Reader) error {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
