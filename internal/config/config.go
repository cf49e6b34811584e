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

// Package config centralizes environment-variable and flag parsing for
// orchestry's binaries. No other package reads os.Getenv directly: flags
// are parsed once in main and the resulting struct is passed down by value.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved bootstrap configuration for an orchestryd
// node.
type Config struct {
	Host             string
	Port             int
	NginxContainer   string
	NginxConfDir     string
	NginxStatusURL   string
	ClusterNodeID    string
	ClusterHostname  string
	PostgresPrimary  DBEndpoint
	PostgresReplica  DBEndpoint
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	LeaseTTLSeconds            int
	HeartbeatPeriodSeconds     int
	ElectionCheckPeriodSeconds int
	StaleNodePruneSeconds      int
	ControlLoopPeriodSeconds   int
	ContainerMonitorPeriod     int
}

// DBEndpoint is one Postgres host:port pair (primary or replica).
type DBEndpoint struct {
	Host string
	Port int
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return n, nil
}

// bootstrapFile is the shape of the optional YAML file named by
// --config.file. It carries only non-secret static defaults: nothing here
// ever substitutes for POSTGRES_PASSWORD, which orchestryd refuses to
// accept from a file people tend to commit to source control.
type bootstrapFile struct {
	Host                       string `yaml:"host"`
	Port                       int    `yaml:"port"`
	NginxContainer             string `yaml:"nginxContainer"`
	NginxConfDir               string `yaml:"nginxConfDir"`
	NginxStatusURL             string `yaml:"nginxStatusUrl"`
	LeaseTTLSeconds            int    `yaml:"leaseTtlSeconds"`
	HeartbeatPeriodSeconds     int    `yaml:"heartbeatPeriodSeconds"`
	ElectionCheckPeriodSeconds int    `yaml:"electionCheckPeriodSeconds"`
	StaleNodePruneSeconds      int    `yaml:"staleNodePruneSeconds"`
	ControlLoopPeriodSeconds   int    `yaml:"controlLoopPeriodSeconds"`
	ContainerMonitorPeriod     int    `yaml:"containerMonitorPeriod"`
}

// LoadBootstrapFile parses an optional YAML defaults file, matching the
// rule-evaluator's loadConfig/yaml.Unmarshal shape but without the reload
// machinery: orchestryd reads it once at startup, before env resolution.
func LoadBootstrapFile(path string) (bootstrapFile, error) {
	var b bootstrapFile
	contents, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("read bootstrap config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(contents, &b); err != nil {
		return b, fmt.Errorf("parse bootstrap config %q: %w", path, err)
	}
	return b, nil
}

// FromEnvironment resolves a Config from orchestry's environment variables
// and built-in timing defaults. If bootstrapPath is non-empty, its values
// seed the defaults that environment variables then override; an empty
// path is the common case and applies the hardcoded defaults directly.
func FromEnvironment(bootstrapPath string) (Config, error) {
	def := bootstrapFile{
		Host:                       "0.0.0.0",
		Port:                       8080,
		NginxContainer:             "orchestry-nginx",
		NginxConfDir:               "/etc/nginx/conf.d",
		NginxStatusURL:             "http://127.0.0.1:8081/nginx_status",
		LeaseTTLSeconds:            30,
		HeartbeatPeriodSeconds:     10,
		ElectionCheckPeriodSeconds: 5,
		StaleNodePruneSeconds:      300,
		ControlLoopPeriodSeconds:   10,
		ContainerMonitorPeriod:     10,
	}
	if bootstrapPath != "" {
		fileDef, err := LoadBootstrapFile(bootstrapPath)
		if err != nil {
			return Config{}, err
		}
		mergeBootstrapDefaults(&def, fileDef)
	}

	var c Config
	var err error

	c.Host = getenv("ORCHESTRY_HOST", def.Host)
	if c.Port, err = getenvInt("ORCHESTRY_PORT", def.Port); err != nil {
		return c, err
	}
	c.NginxContainer = getenv("ORCHESTRY_NGINX_CONTAINER", def.NginxContainer)
	c.NginxConfDir = getenv("ORCHESTRY_NGINX_CONF_DIR", def.NginxConfDir)
	c.NginxStatusURL = getenv("ORCHESTRY_NGINX_STATUS_URL", def.NginxStatusURL)
	c.ClusterNodeID = getenv("CLUSTER_NODE_ID", "")
	c.ClusterHostname = getenv("CLUSTER_HOSTNAME", "")

	c.PostgresPrimary.Host = getenv("POSTGRES_PRIMARY_HOST", "localhost")
	if c.PostgresPrimary.Port, err = getenvInt("POSTGRES_PRIMARY_PORT", 5432); err != nil {
		return c, err
	}
	c.PostgresReplica.Host = getenv("POSTGRES_REPLICA_HOST", c.PostgresPrimary.Host)
	if c.PostgresReplica.Port, err = getenvInt("POSTGRES_REPLICA_PORT", c.PostgresPrimary.Port); err != nil {
		return c, err
	}
	c.PostgresDB = getenv("POSTGRES_DB", "orchestry")
	c.PostgresUser = getenv("POSTGRES_USER", "orchestry")
	c.PostgresPassword = getenv("POSTGRES_PASSWORD", "")

	c.LeaseTTLSeconds = def.LeaseTTLSeconds
	c.HeartbeatPeriodSeconds = def.HeartbeatPeriodSeconds
	c.ElectionCheckPeriodSeconds = def.ElectionCheckPeriodSeconds
	c.StaleNodePruneSeconds = def.StaleNodePruneSeconds
	c.ControlLoopPeriodSeconds = def.ControlLoopPeriodSeconds
	c.ContainerMonitorPeriod = def.ContainerMonitorPeriod

	if c.ClusterNodeID == "" {
		return c, fmt.Errorf("CLUSTER_NODE_ID must be set")
	}
	return c, nil
}

// mergeBootstrapDefaults overlays non-zero fields from file onto def.
func mergeBootstrapDefaults(def *bootstrapFile, file bootstrapFile) {
	if file.Host != "" {
		def.Host = file.Host
	}
	if file.Port != 0 {
		def.Port = file.Port
	}
	if file.NginxContainer != "" {
		def.NginxContainer = file.NginxContainer
	}
	if file.NginxConfDir != "" {
		def.NginxConfDir = file.NginxConfDir
	}
	if file.NginxStatusURL != "" {
		def.NginxStatusURL = file.NginxStatusURL
	}
	if file.LeaseTTLSeconds != 0 {
		def.LeaseTTLSeconds = file.LeaseTTLSeconds
	}
	if file.HeartbeatPeriodSeconds != 0 {
		def.HeartbeatPeriodSeconds = file.HeartbeatPeriodSeconds
	}
	if file.ElectionCheckPeriodSeconds != 0 {
		def.ElectionCheckPeriodSeconds = file.ElectionCheckPeriodSeconds
	}
	if file.StaleNodePruneSeconds != 0 {
		def.StaleNodePruneSeconds = file.StaleNodePruneSeconds
	}
	if file.ControlLoopPeriodSeconds != 0 {
		def.ControlLoopPeriodSeconds = file.ControlLoopPeriodSeconds
	}
	if file.ContainerMonitorPeriod != 0 {
		def.ContainerMonitorPeriod = file.ContainerMonitorPeriod
	}
}

// DSN renders this endpoint's (primary or replica) connection string for
// pgxpool.
func (e DBEndpoint) DSN(db, user, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, password, e.Host, e.Port, db)
}
