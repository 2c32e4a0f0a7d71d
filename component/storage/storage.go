// Package storage keeps a history of run reports on disk, one gob file per run.
package storage

import (
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"h3exchange/component/failure"
	"h3exchange/component/lifecycle"
	"h3exchange/component/tracer"
)

var ErrNotFound = errors.New("report does not exist")

type Phase struct {
	Name     string
	Duration time.Duration
}

// Record is the persisted form of a lifecycle.Report. Errors are kept as text.
type Record struct {
	RunID       string
	URL         string
	Finished    time.Time
	Connection  tracer.Stats
	Phases      []Phase
	Tasks       int
	Failed      int
	FailedPhase string
	Error       string
}

func NewRecord(url string, report lifecycle.Report, err error) Record {
	rec := Record{
		RunID:      report.RunID,
		URL:        url,
		Finished:   time.Now(),
		Connection: report.Connection,
		Tasks:      report.Tasks,
		Failed:     report.Failed,
	}
	for _, p := range report.Phases {
		rec.Phases = append(rec.Phases, Phase{Name: p.Phase, Duration: p.Duration})
	}
	if err != nil {
		rec.FailedPhase = string(failure.PhaseOf(err))
		rec.Error = err.Error()
	}
	return rec
}

// Save writes rec to <dir>/<run id>.gob.
func Save(dir string, rec Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	file, err := os.Create(ensureGobExtension(filepath.Join(dir, rec.RunID)))
	if err != nil {
		return err
	}
	defer file.Close()

	return gob.NewEncoder(file).Encode(rec)
}

// Load reads the record of runID from dir.
func Load(dir, runID string) (Record, error) {
	var rec Record
	file, err := os.Open(ensureGobExtension(filepath.Join(dir, runID)))
	if err != nil {
		if os.IsNotExist(err) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	defer file.Close()

	err = gob.NewDecoder(file).Decode(&rec)
	return rec, err
}

// List returns every stored record in dir, oldest first.
func List(dir string) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.gob"))
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(paths))
	for _, p := range paths {
		rec, err := Load(dir, strings.TrimSuffix(filepath.Base(p), ".gob"))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Finished.Before(recs[j].Finished) })
	return recs, nil
}

// ensure the file path has the .gob extension
func ensureGobExtension(filePath string) string {
	if !strings.HasSuffix(filePath, ".gob") {
		filePath += ".gob"
	}
	return filePath
}
