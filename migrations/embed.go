package migrations

import "embed"

// Files exposes embedded SQL migration files ordered lexicographically,
// split by driver under postgres/ and sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
