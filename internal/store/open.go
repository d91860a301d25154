package store

import (
	"context"
	"fmt"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Options selects and configures a Repository backend.
type Options struct {
	Driver        string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
}

// Open creates the Repository named by opts.Driver.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return NewSQLite(opts.SQLitePath)
	case DriverMongo:
		return NewMongo(ctx, opts.MongoURI, opts.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
