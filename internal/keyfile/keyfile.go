// Package keyfile reads and writes the per-project key file, the CSV
// that maps accession numbers to case pseudonyms. It is the only place
// the linkage exists on the research side, so writes are atomic.
package keyfile

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Name is the key file's name inside a project directory.
const Name = "key.csv"

var header = []string{"case_id", "accession", "study_date", "modality", "description", "series_count", "image_count"}

// Entry is one row of the key file.
type Entry struct {
	CaseID      string
	Accession   string
	StudyDate   string
	Modality    string
	Description string
	SeriesCount int
	ImageCount  int
}

// Read parses the key file at path. A missing file is an empty key
// file, not an error.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		series, _ := strconv.Atoi(row[5])
		images, _ := strconv.Atoi(row[6])
		entries = append(entries, Entry{
			CaseID:      row[0],
			Accession:   row[1],
			StudyDate:   row[2],
			Modality:    row[3],
			Description: row[4],
			SeriesCount: series,
			ImageCount:  images,
		})
	}
	return entries, nil
}

// Write atomically rewrites the key file: the rows go to a temp file in
// the same directory which is then renamed over the target, so a crash
// never leaves a half-written mapping.
func Write(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".key-*.csv")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write key file header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.CaseID, e.Accession, e.StudyDate, e.Modality, e.Description,
			strconv.Itoa(e.SeriesCount), strconv.Itoa(e.ImageCount),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("write key file row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}

// Find returns the entry for an accession, or nil.
func Find(entries []Entry, accession string) *Entry {
	for i := range entries {
		if entries[i].Accession == accession {
			return &entries[i]
		}
	}
	return nil
}

var caseIDPattern = regexp.MustCompile(`^case(\d+)$`)

// NextCaseID returns the next sequential pseudonym. IDs not matching
// case<digits> are ignored for numbering but stay in the file.
func NextCaseID(entries []Entry) string {
	max := 0
	for _, e := range entries {
		m := caseIDPattern.FindStringSubmatch(e.CaseID)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("case%04d", max+1)
}
