// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

//go:build !cgo
// +build !cgo

package sqlutil

import (
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteDriverName returns the name of the registered SQLite driver.
func SQLiteDriverName() string {
	return "sqlite"
}

// sqliteDSN adds the busy timeout the driver expects in its own syntax.
func sqliteDSN(connString string) string {
	if strings.Contains(connString, "?") {
		return connString + "&_pragma=busy_timeout(10000)"
	}
	return connString + "?_pragma=busy_timeout(10000)"
}
