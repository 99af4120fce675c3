package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/David-Botos/endo-ingress/pkg/model"
)

// StatsFile is the name of the statistics document written next to the splits
const StatsFile = "stats.json"

// WriteManifest writes one JSONL file per split plus stats.json into dir.
// It returns the written paths keyed by split.
func WriteManifest(dir string, m Manifest) (map[model.Split]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	groups := m.BySplit()
	splits := make([]string, 0, len(groups))
	for sp := range groups {
		splits = append(splits, string(sp))
	}
	sort.Strings(splits)

	paths := make(map[model.Split]string, len(groups))
	for _, name := range splits {
		sp := model.Split(name)
		p := filepath.Join(dir, name+".jsonl")
		if err := writeJSONL(p, groups[sp]); err != nil {
			return nil, err
		}
		paths[sp] = p
	}

	stats, err := json.MarshalIndent(m.Stats, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode stats: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, StatsFile), stats, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write stats: %w", err)
	}
	return paths, nil
}

func writeJSONL(path string, entries []Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", e.Metadata.ImageID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return nil
}

// ReadJSONL loads entries written by WriteManifest
func ReadJSONL(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
