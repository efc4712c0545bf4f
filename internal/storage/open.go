package storage

import (
	"context"
	"errors"
	"strings"

	logx "signbot/pkg/logx"
)

// Store is a namespaced key/value persistence API.
//
// Values are opaque strings; callers marshal their own JSON. Namespaces
// group related keys and can be enumerated and dropped wholesale (the
// engine sweeps stale namespaces at run start).
type Store interface {
	Get(ctx context.Context, ns, key string) (value string, ok bool, err error)
	Put(ctx context.Context, ns, key, value string) error
	Delete(ctx context.Context, ns, key string) error
	Keys(ctx context.Context, ns string) ([]string, error)
	Namespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, ns string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
