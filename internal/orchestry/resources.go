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

package orchestry

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCPU converts a CPU request ("0.5" or "500m") into nanocpus, the unit
// the container runtime's resource quota expects. Centralizing this (spec
// section 9) replaces scattered ad-hoc parsing at each call site.
func ParseCPU(s string) (nanoCPUs int64, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "m") {
		milli, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid millicpu value %q: %w", s, err)
		}
		if milli < 0 {
			return 0, fmt.Errorf("invalid millicpu value %q: must be >= 0", s)
		}
		return milli * 1e6, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu value %q: %w", s, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("invalid cpu value %q: must be >= 0", s)
	}
	return int64(f * 1e9), nil
}

// ParseMemory converts a memory request ("256Mi", "1Gi", or a raw byte
// count) into bytes, the unit the container runtime's memory limit expects.
func ParseMemory(s string) (bytes int64, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	const (
		ki = 1024
		mi = 1024 * ki
		gi = 1024 * mi
	)
	var unit int64 = 1
	numeric := s
	switch {
	case strings.HasSuffix(s, "Ki"):
		unit, numeric = ki, strings.TrimSuffix(s, "Ki")
	case strings.HasSuffix(s, "Mi"):
		unit, numeric = mi, strings.TrimSuffix(s, "Mi")
	case strings.HasSuffix(s, "Gi"):
		unit, numeric = gi, strings.TrimSuffix(s, "Gi")
	}
	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid memory value %q: must be >= 0", s)
	}
	return n * unit, nil
}
