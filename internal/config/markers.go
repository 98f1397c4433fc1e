package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// markerFile is the on-disk layout of the reset-marker sidecar. Removing a
// world's entry (or the whole file) restarts its "gathering data" period.
type markerFile struct {
	Reset map[string]time.Time `toml:"delete-this-to-reset"`
}

// LoadResetMarkers reads the sidecar. A missing file yields no markers.
func LoadResetMarkers(path string) (map[string]time.Time, error) {
	markers := map[string]time.Time{}
	if path == "" {
		return markers, nil
	}
	var mf markerFile
	if _, err := toml.DecodeFile(path, &mf); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return markers, nil
		}
		return nil, fmt.Errorf("read reset markers %s: %w", path, err)
	}
	for w, t := range mf.Reset {
		markers[w] = t
	}
	return markers, nil
}

// EnsureResetMarkers gives every deletion world without a marker one at
// now + flag_duration and writes the sidecar back when anything was added.
// It returns the worlds that received a new marker.
func (c *Config) EnsureResetMarkers(now time.Time) ([]string, error) {
	if c.ResetMarkers == nil {
		c.ResetMarkers = map[string]time.Time{}
	}
	var added []string
	for _, w := range c.Deletion.Worlds {
		if _, ok := c.ResetMarkers[w]; ok {
			continue
		}
		at := now
		if c.Deletion.FlagDuration > 0 {
			at = now.Add(c.Deletion.FlagDuration)
		}
		c.ResetMarkers[w] = at.UTC().Truncate(time.Second)
		added = append(added, w)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := writeResetMarkers(c.ResetMarkersPath(), c.ResetMarkers); err != nil {
		return added, err
	}
	return added, nil
}

func writeResetMarkers(path string, markers map[string]time.Time) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write reset markers: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write reset markers: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(markerFile{Reset: markers}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode reset markers: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write reset markers: %w", err)
	}
	return os.Rename(tmp, path)
}
