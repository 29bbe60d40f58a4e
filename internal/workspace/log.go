package workspace

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
)

// maxRecordBytes bounds a single log line. Records are small; anything past
// this is a corrupt file.
const maxRecordBytes = 4 << 20

// Journal is a single append-only JSONL file. One record per line, flushed
// before Append returns. Safe for concurrent use.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenJournal opens (creating if needed) the log at path and replays every
// existing record through apply in file order. A line that does not parse is
// fatal: the caller must not start with a partial projection.
func OpenJournal(path string, apply func(line []byte) error) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, Wrap(KindStorageIO, err, "open %s", path)
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxRecordBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			f.Close()
			return nil, E(KindStorageIO, "%s:%d: corrupt record", path, lineNo)
		}
		if apply != nil {
			if err := apply(line); err != nil {
				f.Close()
				return nil, Wrap(KindStorageIO, err, "%s:%d: replay", path, lineNo)
			}
		}
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, Wrap(KindStorageIO, err, "scan %s", path)
	}
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, Wrap(KindStorageIO, err, "seek %s", path)
	}
	return &Journal{path: path, f: f}, nil
}

// Append marshals v, writes it as one line, and fsyncs before returning.
func (l *Journal) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return Wrap(KindStorageIO, err, "marshal record for %s", l.path)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return Wrap(KindStorageIO, err, "append %s", l.path)
	}
	if err := l.f.Sync(); err != nil {
		return Wrap(KindStorageIO, err, "flush %s", l.path)
	}
	return nil
}

func unmarshalStrict(line []byte, v any) error {
	return json.Unmarshal(line, v)
}

func (l *Journal) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
