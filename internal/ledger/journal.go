package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

// Journal is the durable pre-action side channel: one JSON line per publish
// attempt, written and fsynced BEFORE the platform action executes.
//
// It is deliberately a separate file, outside the SQLite transaction, so that
// a crash between the platform action and the ledger update still leaves a
// record of what content was attempted when. The content-match scan and the
// reconciler use it as matching material.
type Journal struct {
	log logx.Logger

	mu   sync.Mutex
	f    *os.File
	path string
}

type JournalEntry struct {
	IntentID    string    `json:"intent_id"`
	Content     string    `json:"content"`
	AttemptedAt time.Time `json:"attempted_at"`
}

func OpenJournal(path string, log logx.Logger) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &Journal{log: log, f: f, path: path}, nil
}

// Append writes and fsyncs one entry. Callers must not proceed with the
// platform action if this fails.
func (j *Journal) Append(e JournalEntry) error {
	if e.AttemptedAt.IsZero() {
		e.AttemptedAt = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.New("journal closed")
	}
	if _, err := j.f.Write(b); err != nil {
		return err
	}
	return j.f.Sync()
}

// Recent returns up to max entries from the tail of the journal, newest last.
// Corrupt lines (torn writes from a crash) are skipped.
func (j *Journal) Recent(max int) ([]JournalEntry, error) {
	if max <= 0 {
		return nil, nil
	}

	j.mu.Lock()
	path := j.path
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []JournalEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			j.log.Warn("journal line skipped", logx.Err(err))
			continue
		}
		out = append(out, e)
		if len(out) > max {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
