//go:build !sqlite

package storage

import (
	"github.com/cockroachdb/errors"

	logx "clockwork/pkg/logx"
)

// openSQLite stands in for the sqlite driver in builds without it.
func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, errors.WithHint(errors.New("this clockwork binary was built without sqlite support"),
		`rebuild with "go build -tags sqlite" or set storage.driver to "file"`)
}
