/*
Copyright The PostgreSQL Operation Manager Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"context"
	"database/sql"

	"github.com/blang/semver"
)

// ServerVersion probes the PostgreSQL version of a node. The reported
// setting can be a bare major ("16") or carry a vendor suffix
// ("14.5 (Debian 14.5-1)"), so the parse is tolerant.
func ServerVersion(ctx context.Context, db *sql.DB) (semver.Version, error) {
	row := db.QueryRowContext(ctx, "SELECT current_setting('server_version')")

	var versionString string
	if err := row.Scan(&versionString); err != nil {
		return semver.Version{}, err
	}

	return parseVersion(versionString)
}

func parseVersion(versionString string) (semver.Version, error) {
	// cut the vendor suffix, if any
	for i, c := range versionString {
		if c == ' ' {
			versionString = versionString[:i]
			break
		}
	}

	return semver.ParseTolerant(versionString)
}
