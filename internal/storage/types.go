package storage

import (
	"time"

	"cupwatch/internal/subscription"
)

type Store = subscription.Store

var (
	ErrAlreadyExists = subscription.ErrAlreadyExists
	ErrNotFound      = subscription.ErrNotFound
)

const defaultCompactEvery = 1000

type Config struct {
	Driver string
	// Path is the file prefix (file), database file (sqlite) or directory (badger).
	Path        string
	BusyTimeout time.Duration // sqlite only
	// CompactEvery is the number of journal writes between compactions (file only).
	CompactEvery int
}
