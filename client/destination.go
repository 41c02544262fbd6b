package client

import (
	"net/url"
	"strings"
	"sync"
)

const defaultDestination = "/"

// destinationStore holds one intended destination, consumed on first read.
type destinationStore struct {
	mu   sync.Mutex
	path string
}

func (d *destinationStore) remember(path string) bool {
	if !isLocalPath(path) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = path
	return true
}

func (d *destinationStore) take() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	path := d.path
	d.path = ""
	if path == "" {
		return defaultDestination
	}
	return path
}

// isLocalPath accepts absolute paths on the current origin only. Scheme-relative and
// backslash forms are rejected since browsers resolve them to other hosts.
func isLocalPath(path string) bool {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.ContainsAny(path, "\\\r\n") {
		return false
	}
	u, err := url.Parse(path)
	return err == nil && u.Scheme == "" && u.Host == ""
}
