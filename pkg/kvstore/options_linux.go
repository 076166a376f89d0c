package kvstore

import (
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
)

func getOptions() *bolt.Options {
	options := &bolt.Options{
		MmapFlags: syscall.MAP_POPULATE,
		Timeout:   5 * time.Second,
	}
	return options
}
