/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package pfsctl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sgxpf/protectedfs/pkg/pfregistry"
)

// FormatRecords renders the registry listing the way `pfsctl registry list`
// prints it: one line per container, sorted by path so the output is
// stable across calls.
func FormatRecords(records []pfregistry.Record) string {
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })

	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "%s\tbound=%s\tsize=%d\tcreated=%s\topened=%s\n",
			r.Path, r.BoundPath, r.SizeBytes,
			r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			r.LastOpenedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return b.String()
}
