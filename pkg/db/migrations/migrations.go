// Package migrations defines the schema as goose Go migrations.
package migrations

import "github.com/pressly/goose/v3"

// All returns every migration in version order.
func All() []*goose.Migration {
	return []*goose.Migration{
		commandEvents(),
	}
}
