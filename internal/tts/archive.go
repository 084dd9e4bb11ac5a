package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slofp/estella/internal/logging"
)

// Archive keeps synthesized replies on disk as WAV files, each paired with
// a JSON sidecar describing the request. A nil *Archive is a no-op.
type Archive struct {
	Dir       string
	Retention time.Duration
	MaxFiles  int

	mu  sync.Mutex
	now func() time.Time
}

// NewArchive returns nil when dir is blank so callers can skip archiving.
func NewArchive(dir string, retention time.Duration, maxFiles int) *Archive {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Archive{Dir: dir, Retention: retention, MaxFiles: maxFiles, now: time.Now}
}

func (a *Archive) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// Begin records a pending synthesis request under cid.
func (a *Archive) Begin(cid, text string, speaker int) error {
	if a == nil {
		return nil
	}
	ts := a.clock().UTC()
	base := filepath.Join(a.Dir, fmt.Sprintf("%s_tts_cid%s", ts.Format("20060102T150405.000Z"), cid))
	sc := map[string]interface{}{
		"correlation_id": cid,
		"text":           text,
		"speaker":        speaker,
		"status":         "pending",
		"requested_utc":  ts.Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return writeAtomic(base+".json", b, 0o644)
}

// Attach stores wav next to the sidecar for cid and marks it complete.
func (a *Archive) Attach(cid string, wav []byte, took time.Duration) (string, error) {
	if a == nil {
		return "", nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	path := a.find(cid)
	if path == "" {
		return "", fmt.Errorf("archive: no sidecar for cid=%s in %s", cid, a.Dir)
	}
	wavPath := strings.TrimSuffix(path, ".json") + ".wav"
	if err := writeAtomic(wavPath, wav, 0o644); err != nil {
		return "", fmt.Errorf("archive: save wav: %w", err)
	}
	err := a.mergeLocked(path, map[string]interface{}{
		"status":       "done",
		"wav_path":     wavPath,
		"synthesis_ms": took.Milliseconds(),
		"saved_utc":    a.clock().UTC().Format(time.RFC3339Nano),
	})
	return wavPath, err
}

// Fail marks the request for cid as failed.
func (a *Archive) Fail(cid string, cause error) error {
	if a == nil {
		return nil
	}
	return a.Merge(cid, map[string]interface{}{"status": "failed", "error": cause.Error()})
}

// Merge applies updates to the sidecar for cid.
func (a *Archive) Merge(cid string, updates map[string]interface{}) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	path := a.find(cid)
	if path == "" {
		return fmt.Errorf("archive: no sidecar for cid=%s in %s", cid, a.Dir)
	}
	return a.mergeLocked(path, updates)
}

// Find returns the sidecar path for cid or "".
func (a *Archive) Find(cid string) string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.find(cid)
}

func (a *Archive) find(cid string) string {
	if cid == "" {
		return ""
	}
	files, err := os.ReadDir(a.Dir)
	if err != nil {
		logging.Warnw("archive: failed to list dir", "dir", a.Dir, "err", err)
		return ""
	}
	suffix := "_tts_cid" + cid + ".json"
	for _, fi := range files {
		if strings.HasSuffix(fi.Name(), suffix) {
			return filepath.Join(a.Dir, fi.Name())
		}
	}
	// renamed files: match on content
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(a.Dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("archive: unreadable sidecar", "path", path, "err", err, "correlation_id", cid)
			continue
		}
		var sc map[string]interface{}
		if json.Unmarshal(b, &sc) == nil {
			if v, ok := sc["correlation_id"].(string); ok && v == cid {
				return path
			}
		}
	}
	return ""
}

func (a *Archive) mergeLocked(path string, updates map[string]interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("archive: read sidecar %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("archive: invalid sidecar %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode sidecar %s: %w", path, err)
	}
	if err := writeAtomic(path, nb, 0o644); err != nil {
		return fmt.Errorf("archive: write sidecar %s: %w", path, err)
	}
	return nil
}

// RunCleaner prunes the archive every interval until ctx is done.
func (a *Archive) RunCleaner(ctx context.Context, interval time.Duration) error {
	if a == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := a.Prune(); n > 0 {
				logging.Infow("archive: pruned old entries", "removed", n, "dir", a.Dir)
			}
		}
	}
}

// Prune removes sidecar/wav pairs older than Retention, then the oldest
// pairs beyond MaxFiles. It returns the number of pairs removed.
func (a *Archive) Prune() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	files, err := os.ReadDir(a.Dir)
	if err != nil {
		logging.Debugw("archive: cleanup readDir failed", "dir", a.Dir, "err", err)
		return 0
	}
	type pair struct {
		json string
		wav  string
		mod  time.Time
	}
	var pairs []pair
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := fi.Info()
		if err != nil {
			continue
		}
		jsonPath := filepath.Join(a.Dir, name)
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc map[string]interface{}
			if json.Unmarshal(b, &sc) == nil {
				if v, ok := sc["wav_path"].(string); ok && v != "" {
					wavPath = v
				}
			}
		}
		pairs = append(pairs, pair{json: jsonPath, wav: wavPath, mod: info.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := func(p pair) {
		_ = os.Remove(p.json)
		_ = os.Remove(p.wav)
	}
	removed := 0
	if a.Retention > 0 {
		cutoff := a.clock().Add(-a.Retention)
		for _, p := range pairs {
			if !p.mod.Before(cutoff) {
				break
			}
			remove(p)
			removed++
		}
	}
	if a.MaxFiles > 0 {
		for _, p := range pairs[removed:] {
			if len(pairs)-removed <= a.MaxFiles {
				break
			}
			remove(p)
			removed++
		}
	}
	return removed
}

// writeAtomic writes through a synced temp file renamed into place.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}
