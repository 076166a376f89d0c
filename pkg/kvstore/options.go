//go:build !linux
// +build !linux

package kvstore

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

func getOptions() *bolt.Options {
	// MAP_POPULATE is Linux only
	options := &bolt.Options{
		Timeout: 5 * time.Second,
	}
	return options
}
