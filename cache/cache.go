// Package cache keeps the last successfully fetched frame on disk so a
// boot with an unreachable backend can still put something meaningful on
// the panel before the retry path kicks in.
package cache

import (
	"fmt"
	"log"
	"os"

	"github.com/datascale-ai/inksight-device/frame"
)

// Cache persists one frame at a fixed path.
type Cache struct {
	path string
}

// New returns a cache stored at path.
func New(path string) *Cache {
	return &Cache{path: path}
}

// Save writes the frame. Failures are logged and reported but never
// fatal; the cache is strictly best effort.
func (c *Cache) Save(fb *frame.Buffer) error {
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, fb.Bytes(), 0600); err != nil {
		log.Printf("cache: save: %v", err)
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		log.Printf("cache: save: %v", err)
		return err
	}
	return nil
}

// Load reads the cached frame into fb. A size mismatch (panel dimensions
// changed between builds) counts as a miss.
func (c *Cache) Load(fb *frame.Buffer) error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	if len(data) != len(fb.Bytes()) {
		return fmt.Errorf("cache: stale frame, %d bytes want %d", len(data), len(fb.Bytes()))
	}
	copy(fb.Bytes(), data)
	return nil
}

// Exists reports whether a cached frame is present.
func (c *Cache) Exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}
