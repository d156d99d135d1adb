package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

// FileSink appends events to a JSONL file, one entry per line
type FileSink struct {
	mu   sync.Mutex
	path string
}

type fileEntry struct {
	Type     string      `json:"type"`
	Data     model.Event `json:"data"`
	Recorded time.Time   `json:"recorded"`
}

// NewFileSink creates the parent directory of path if needed
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &FileSink{path: path}, nil
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Write(_ context.Context, e model.Event) error {
	data, err := json.Marshal(fileEntry{Type: e.Type, Data: e, Recorded: time.Now().UTC()})
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fh.Write(append(data, '\n'))
	return err
}

// ReadEvents returns the events of one cycle recorded in a JSONL file;
// "" returns all. Unparseable lines are skipped.
func ReadEvents(path, cycleID string) ([]model.Event, error) {
	fh, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var out []model.Event
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var entry fileEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		if cycleID == "" || entry.Data.CycleID == cycleID {
			out = append(out, entry.Data)
		}
	}
	return out, sc.Err()
}
