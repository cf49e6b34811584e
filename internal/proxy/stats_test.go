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

	"github.com/stretchr/testify/require"
)

func TestParseStubStatus(t *testing.T) {
	const body = "Active connections: 2 \n" +
		"server accepts handled requests\n" +
		" 10 10 15 \n" +
		"Reading: 0 Writing: 1 Waiting: 1 \n"

	got, err := parseStubStatus(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, Status{
		ActiveConnections: 2,
		Accepts:           10,
		Handled:           10,
		Requests:          15,
		Reading:           0,
		Writing:           1,
		Waiting:           1,
	}, got)
}

func TestParseStubStatusToleratesMissingTrailer(t *testing.T) {
	const body = "Active connections: 1 \n" +
		"server accepts handled requests\n" +
		" 3 3 5 \n"

	got, err := parseStubStatus(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ActiveConnections)
	require.Equal(t, int64(5), got.Requests)
	require.Equal(t, int64(0), got.Reading)
}
