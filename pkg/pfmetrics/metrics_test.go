/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfmetrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestFlushResultIncrementsLabeledCounter(t *testing.T) {
	c := NewCollector()
	c.FlushResult(true)
	c.FlushResult(true)
	c.FlushResult(false)

	body := scrape(t, c)
	assert.Contains(t, body, `protectedfs_flush_total{result="success"} 2`)
	assert.Contains(t, body, `protectedfs_flush_total{result="failure"} 1`)
}

func TestRecoveryResultIncrementsLabeledCounter(t *testing.T) {
	c := NewCollector()
	c.RecoveryResult(false)

	body := scrape(t, c)
	assert.Contains(t, body, `protectedfs_recovery_total{result="failure"} 1`)
}

func TestCacheEvictionFlushIncrementsCounter(t *testing.T) {
	c := NewCollector()
	c.CacheEvictionFlush()
	c.CacheEvictionFlush()

	body := scrape(t, c)
	assert.True(t, strings.Contains(body, "protectedfs_cache_forced_flush_total 2"))
}

func TestCacheOccupancySetsGauge(t *testing.T) {
	c := NewCollector()
	c.CacheOccupancy(5)
	c.CacheOccupancy(3)

	body := scrape(t, c)
	assert.Contains(t, body, "protectedfs_cache_occupancy 3")
}
