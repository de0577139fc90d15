package sender

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Outbox is the on-disk directory of pending upload payloads. A file
// exists from just before a POST attempt until the POST is confirmed.
type Outbox struct {
	dir string

	mu  sync.Mutex
	seq int
}

// NewOutbox creates the directory if needed and seeds the sequence
// counter past any files a previous run left behind, so a restart
// inside the same send window never reuses a pending file's name.
func NewOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}
	o := &Outbox{dir: dir}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read outbox directory: %w", err)
	}
	for _, d := range dirents {
		if e, ok := parseEntry(filepath.Join(dir, d.Name())); ok && e.Seq > o.seq {
			o.seq = e.Seq
		}
	}
	return o, nil
}

func (o *Outbox) Dir() string { return o.dir }

var outboxNameRe = regexp.MustCompile(`^resend_(\d{14})_(\d+)(?:\.retry(\d+))?\.(json|fail)$`)

// Entry describes one outbox file.
type Entry struct {
	Path    string
	Label   time.Time
	Seq     int
	Retry   int
	Failed  bool
	Size    int64
	ModTime time.Time
}

// Persist writes the envelope as a new outbox file and returns its
// path. The write goes through a temp file so a crash never leaves a
// half-written payload.
func (o *Outbox) Persist(env Envelope, label time.Time) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal outbox payload: %w", err)
	}

	o.mu.Lock()
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	name := fmt.Sprintf("resend_%s_%06d.json", label.Format(wireTimeLayout), seq)
	path := filepath.Join(o.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write outbox payload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit outbox payload: %w", err)
	}
	return path, nil
}

// Delete removes a confirmed-sent file.
func (o *Outbox) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete outbox file: %w", err)
	}
	return nil
}

// EscalateRetry bumps the retry counter in the filename, renaming to
// the terminal .fail state once maxRetry is reached. Returns the new
// path and whether the file is now terminal.
func (o *Outbox) EscalateRetry(path string, maxRetry int) (string, bool, error) {
	e, ok := parseEntry(path)
	if !ok {
		return path, false, fmt.Errorf("unrecognized outbox filename %q", filepath.Base(path))
	}
	if e.Failed {
		return path, true, nil
	}

	base := fmt.Sprintf("resend_%s_%06d", e.Label.Format(wireTimeLayout), e.Seq)
	next := e.Retry + 1
	var name string
	terminal := next >= maxRetry
	if terminal {
		name = base + ".fail"
	} else {
		name = fmt.Sprintf("%s.retry%d.json", base, next)
	}
	newPath := filepath.Join(filepath.Dir(path), name)
	if err := os.Rename(path, newPath); err != nil {
		return path, false, fmt.Errorf("escalate outbox retry: %w", err)
	}
	return newPath, terminal, nil
}

// List returns the outbox entries, oldest label first.
func (o *Outbox) List() ([]Entry, error) {
	dirents, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("read outbox directory: %w", err)
	}
	var out []Entry
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		e, ok := parseEntry(filepath.Join(o.dir, d.Name()))
		if !ok {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		e.Size = info.Size()
		e.ModTime = info.ModTime()
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Label.Equal(out[j].Label) {
			return out[i].Label.Before(out[j].Label)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func parseEntry(path string) (Entry, bool) {
	m := outboxNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return Entry{}, false
	}
	label, err := time.ParseInLocation(wireTimeLayout, m[1], time.Local)
	if err != nil {
		return Entry{}, false
	}
	seq, _ := strconv.Atoi(m[2])
	retry := 0
	if m[3] != "" {
		retry, _ = strconv.Atoi(m[3])
	}
	return Entry{
		Path:   path,
		Label:  label,
		Seq:    seq,
		Retry:  retry,
		Failed: strings.HasSuffix(path, ".fail"),
	}, true
}

// BudgetConfig bounds the outbox's disk use.
type BudgetConfig struct {
	QuotaMB          int
	FSFreeMinMB      int
	ProtectRecentSec int
	CleanupBatch     int
}

// EnforceBudget deletes the oldest eligible files while the outbox
// exceeds its quota or the filesystem is below its free-space floor.
// Files newer than the protect window survive.
func (o *Outbox) EnforceBudget(cfg BudgetConfig) (int, error) {
	if cfg.CleanupBatch <= 0 {
		cfg.CleanupBatch = 20
	}
	entries, err := o.List()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	over := func() bool {
		if cfg.QuotaMB > 0 && total > int64(cfg.QuotaMB)*1024*1024 {
			return true
		}
		if cfg.FSFreeMinMB > 0 {
			var st unix.Statfs_t
			if err := unix.Statfs(o.dir, &st); err == nil {
				free := int64(st.Bavail) * st.Bsize
				if free < int64(cfg.FSFreeMinMB)*1024*1024 {
					return true
				}
			}
		}
		return false
	}

	protect := time.Duration(cfg.ProtectRecentSec) * time.Second
	removed := 0
	for _, e := range entries {
		if removed >= cfg.CleanupBatch || !over() {
			break
		}
		if protect > 0 && time.Since(e.ModTime) < protect {
			continue
		}
		if err := os.Remove(e.Path); err != nil {
			slog.Warn("outbox cleanup failed", "file", e.Path, "error", err)
			continue
		}
		total -= e.Size
		removed++
	}
	if removed > 0 {
		slog.Info("outbox budget enforced", "removed", removed)
	}
	return removed, nil
}
