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

// Package proxy implements the Proxy Adapter (spec component C4): it
// renders nginx upstream configuration for every running app and applies
// it through an explicit backup, write, validate, swap, reload, rollback
// pipeline, the same shape cmd/config-reloader's reloader.Options drives
// for Prometheus, adapted here to exec into the nginx container directly
// instead of hitting an HTTP reload endpoint.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/orchestry/orchestry/internal/orcherr"
)

// Upstream is one app's set of live backends.
type Upstream struct {
	AppName  string
	Backends []Backend
}

// Backend is one ready replica eligible to receive traffic.
type Backend struct {
	IP   string
	Port int
}

// Adapter owns the nginx configuration files and the running nginx
// container's lifecycle commands. Each app gets its own config file under
// confDir/apps/ so a validation failure on one app's upstream set rolls
// back only that app's file, never a sibling app's — matching spec
// section 4.4's per-app updateUpstreams/removeAppConfig contract.
type Adapter struct {
	logger    log.Logger
	docker    *dockerclient.Client
	container string
	confDir   string

	mu sync.Mutex
}

// New constructs an Adapter. confDir is the directory (bind-mounted into
// the nginx container) that holds the generated per-app config files,
// included from the container's main nginx.conf via an `include
// apps/*.conf;` directive.
func New(logger log.Logger, docker *dockerclient.Client, containerName, confDir string) *Adapter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Adapter{
		logger:    logger,
		docker:    docker,
		container: containerName,
		confDir:   confDir,
	}
}

func (a *Adapter) appConfPath(appName string) string {
	return filepath.Join(a.confDir, "apps", fmt.Sprintf("%s.conf", appName))
}

var confTemplate = template.Must(template.New("nginx").Parse(`# managed by orchestry; do not edit by hand
{{range .}}
upstream {{.AppName}}_backend {
{{range .Backends}}    server {{.IP}}:{{.Port}};
{{end}}}

server {
    listen 80;
    server_name {{.AppName}}.local;

    location / {
        proxy_pass http://{{.AppName}}_backend;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_connect_timeout 2s;
        proxy_next_upstream error timeout http_502 http_503;
    }
}
{{end}}`))

// Render produces the nginx config text for the given upstreams, with apps
// sorted by name for a deterministic diff between reloads. A single
// Upstream renders that one app's file; multiple together renders the
// legacy combined form still used by tests that check template output.
func Render(upstreams []Upstream) (string, error) {
	sorted := append([]Upstream(nil), upstreams...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AppName < sorted[j].AppName })
	for i := range sorted {
		sort.Slice(sorted[i].Backends, func(a, b int) bool {
			return sorted[i].Backends[a].IP < sorted[i].Backends[b].IP
		})
	}
	var buf bytes.Buffer
	if err := confTemplate.Execute(&buf, sorted); err != nil {
		return "", orcherr.Wrap(orcherr.KindProxy, "rendering nginx config", err)
	}
	return buf.String(), nil
}

// validateAppName restricts app names used as file-path components to
// alphanumerics, '-', and '_', per spec section 4.4's updateUpstreams
// validation step.
func validateAppName(appName string) error {
	if appName == "" {
		return orcherr.Wrap(orcherr.KindValidation, "app name must not be empty", nil)
	}
	for _, c := range appName {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if isAlnum || c == '-' || c == '_' {
			continue
		}
		return orcherr.Wrap(orcherr.KindValidation, "app name must be alphanumeric, '-', or '_'", nil)
	}
	return nil
}

func validateBackends(backends []Backend) error {
	for _, b := range backends {
		if b.IP == "" {
			return orcherr.Wrap(orcherr.KindValidation, "backend host must not be empty", nil)
		}
		if b.Port <= 0 || b.Port > 65535 {
			return orcherr.Wrap(orcherr.KindValidation, "backend port must be numeric and in range", nil)
		}
	}
	return nil
}

// UpdateUpstreams implements updateUpstreams(app, servers[]): validates the
// app name and every server, backs up the app's previous config, writes
// and validates the new one, reloads nginx, and restores the backup if
// either validation or reload fails (retrying the reload once after
// restoring, so nginx is never left serving a config it already rejected).
func (a *Adapter) UpdateUpstreams(ctx context.Context, appName string, backends []Backend) error {
	if err := validateAppName(appName); err != nil {
		return err
	}
	if err := validateBackends(backends); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rendered, err := Render([]Upstream{{AppName: appName, Backends: backends}})
	if err != nil {
		return err
	}
	return a.applyAppConfig(ctx, appName, rendered)
}

func (a *Adapter) applyAppConfig(ctx context.Context, appName, rendered string) error {
	confPath := a.appConfPath(appName)
	if err := os.MkdirAll(filepath.Dir(confPath), 0o755); err != nil {
		return orcherr.Wrap(orcherr.KindProxy, "creating apps config directory", err)
	}

	backup, hadBackup, err := a.backup(confPath)
	if err != nil {
		return orcherr.Wrap(orcherr.KindProxy, "backing up nginx config", err)
	}

	if err := a.writeAtomic(confPath, rendered); err != nil {
		return orcherr.Wrap(orcherr.KindProxy, "writing nginx config", err)
	}

	if err := a.exec(ctx, "nginx", "-t"); err != nil {
		level.Warn(a.logger).Log("msg", "nginx config validation failed, rolling back", "app", appName, "err", err)
		a.rollback(confPath, backup, hadBackup)
		return orcherr.Wrap(orcherr.KindProxy, "nginx config validation failed", err)
	}

	if err := a.exec(ctx, "nginx", "-s", "reload"); err != nil {
		level.Warn(a.logger).Log("msg", "nginx reload failed, rolling back", "app", appName, "err", err)
		a.rollback(confPath, backup, hadBackup)
		_ = a.exec(ctx, "nginx", "-s", "reload")
		return orcherr.Wrap(orcherr.KindProxy, "nginx reload failed", err)
	}

	level.Info(a.logger).Log("msg", "nginx config applied", "app", appName)
	return nil
}

// RemoveAppConfig implements removeAppConfig(app): deletes the per-app
// config file, validates, and reloads. Unlike UpdateUpstreams, a
// validation failure here is surfaced but not rolled back — the caller is
// explicitly tearing the app down, so restoring a config that routes to a
// now-absent app is not the right recovery.
func (a *Adapter) RemoveAppConfig(ctx context.Context, appName string) error {
	if err := validateAppName(appName); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	confPath := a.appConfPath(appName)
	if err := os.Remove(confPath); err != nil && !os.IsNotExist(err) {
		return orcherr.Wrap(orcherr.KindProxy, "removing nginx app config", err)
	}

	if err := a.exec(ctx, "nginx", "-t"); err != nil {
		return orcherr.Wrap(orcherr.KindProxy, "nginx config validation failed after removal", err)
	}
	if err := a.exec(ctx, "nginx", "-s", "reload"); err != nil {
		return orcherr.Wrap(orcherr.KindProxy, "nginx reload failed after removal", err)
	}
	level.Info(a.logger).Log("msg", "removed nginx app config", "app", appName)
	return nil
}

// TestConfig implements testConfig(): an idempotent validity check of the
// combined on-disk configuration, with no write and no reload.
func (a *Adapter) TestConfig(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.exec(ctx, "nginx", "-t"); err != nil {
		return orcherr.Wrap(orcherr.KindProxy, "nginx config validation failed", err)
	}
	return nil
}

// Apply updates every app's per-app config in one pass, used by the
// Control Loop's per-tick resync. Each app's file is backed up, written,
// and validated independently via UpdateUpstreams, so one app's bad
// upstream set cannot roll back a sibling app's already-working config;
// the first per-app failure is returned after every app has been
// attempted, so a single bad app never blocks the rest from converging.
func (a *Adapter) Apply(ctx context.Context, upstreams []Upstream) error {
	sorted := append([]Upstream(nil), upstreams...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AppName < sorted[j].AppName })

	var firstErr error
	for _, u := range sorted {
		if err := a.UpdateUpstreams(ctx, u.AppName, u.Backends); err != nil {
			level.Warn(a.logger).Log("msg", "updating app upstream config failed", "app", u.AppName, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *Adapter) backup(path string) (content []byte, existed bool, err error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (a *Adapter) rollback(path string, backup []byte, hadBackup bool) {
	if !hadBackup {
		_ = os.Remove(path)
		return
	}
	if err := a.writeAtomic(path, string(backup)); err != nil {
		level.Error(a.logger).Log("msg", "rollback write failed", "err", err)
	}
}

// writeAtomic writes to a temp file in the same directory and renames it
// into place, so a reader (or nginx -t) never observes a partial write.
func (a *Adapter) writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".orchestry-conf-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// exec runs a command inside the nginx container and returns an error if
// it exits non-zero, folding stdout/stderr into the error for diagnostics.
func (a *Adapter) exec(ctx context.Context, cmd ...string) error {
	execID, err := a.docker.ContainerExecCreate(ctx, a.container, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("creating exec: %w", err)
	}
	resp, err := a.docker.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("attaching exec: %w", err)
	}
	defer resp.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Reader)

	inspect, err := a.docker.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return fmt.Errorf("inspecting exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", strings.Join(cmd, " "), inspect.ExitCode, out.String())
	}
	return nil
}
