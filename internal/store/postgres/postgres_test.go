// Copyright 2025 Tom Barlow
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

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store/storetest"
)

// Set AREA_TEST_POSTGRES_URL to run against a real database. Each subtest
// truncates the tables.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("AREA_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("AREA_TEST_POSTGRES_URL not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(Config{ConnectionString: dsn, MaxOpenConns: 8})
		require.NoError(t, err)
		_, err = s.DB().ExecContext(context.Background(),
			`TRUNCATE executions, polling_states, automations`)
		require.NoError(t, err)
		return s
	})
}
