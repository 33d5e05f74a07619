// Package loader drives the end-to-end pipeline: key file check,
// C-FIND, receiver start, C-MOVE, key file update, verification,
// summary, audit. Accessions are processed sequentially; one failure
// records a result and the siblings continue.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahjolab/pacsload/internal/audit"
	"github.com/ahjolab/pacsload/internal/keyfile"
	"github.com/ahjolab/pacsload/internal/pacs"
	"github.com/ahjolab/pacsload/internal/verify"
)

// Archive is the SCU operations the loader needs from the PACS client.
type Archive interface {
	FindByAccession(ctx context.Context, accession string) ([]pacs.StudyDescriptor, error)
	MoveStudy(ctx context.Context, studyUID, destAE string) (pacs.MoveResult, error)
}

// StoreReceiver is the lifecycle the loader drives per real load.
type StoreReceiver interface {
	Start() error
	Stop()
	Quiesce(idle, max time.Duration)
	Received() int
	SeriesCount() int
}

// ReceiverFactory builds a receiver writing into projectDir under caseID.
type ReceiverFactory func(projectDir, caseID string) StoreReceiver

// Result is one accession's outcome, serialized into load.json.
type Result struct {
	CaseID       string   `json:"case_id"`
	Accession    string   `json:"accession"`
	StudyUID     string   `json:"study_uid"`
	SeriesCount  int      `json:"series_count"`
	ImageCount   int      `json:"image_count"`
	StudyDate    string   `json:"study_date"`
	Modality     string   `json:"modality"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	Matches      int      `json:"matches,omitempty"`
	FailedSubOps int      `json:"failed_sub_ops,omitempty"`
	Error        string   `json:"error,omitempty"`
	DurationS    *float64 `json:"duration_s,omitempty"`
}

// Loader wires the pipeline's collaborators. Audit may be nil (audit
// failures never abort a load, absence of the log behaves the same).
type Loader struct {
	Archive     Archive
	NewReceiver ReceiverFactory
	MoveDestAE  string
	BaseDir     string
	Audit       *audit.Log
	Log         *logrus.Logger

	// Grace window after the final move response: stop once no new
	// instance arrived for QuiesceIdle, but never wait past QuiesceMax.
	QuiesceIdle time.Duration
	QuiesceMax  time.Duration
}

// LoadAccessions runs the pipeline for every accession and returns the
// results with the load verification report. load.json and the audit
// rows are written before returning.
func (l *Loader) LoadAccessions(ctx context.Context, project string, accessions []string, dryRun bool) ([]Result, verify.LoadReport, error) {
	projectDir := filepath.Join(l.BaseDir, project)
	keyPath := filepath.Join(projectDir, keyfile.Name)
	entries, err := keyfile.Read(keyPath)
	if err != nil {
		return nil, verify.LoadReport{}, fmt.Errorf("read key file: %w", err)
	}

	results := make([]Result, 0, len(accessions))
	for _, accession := range accessions {
		results = append(results, l.loadOne(ctx, projectDir, keyPath, &entries, accession, dryRun))
	}

	report := verify.VerifyLoad(toOutcomes(results))

	if err := writeLoadJSON(filepath.Join(projectDir, "load.json"), results, report); err != nil {
		return results, report, err
	}
	l.auditResults(ctx, project, results)
	return results, report, nil
}

func (l *Loader) loadOne(ctx context.Context, projectDir, keyPath string, entries *[]keyfile.Entry, accession string, dryRun bool) Result {
	res := Result{Accession: accession}

	if existing := keyfile.Find(*entries, accession); existing != nil {
		l.Log.Infof("skipping %s: already loaded as %s", accession, existing.CaseID)
		res.Status = "skipped"
		res.Error = "already loaded"
		res.CaseID = existing.CaseID
		return res
	}

	studies, err := l.Archive.FindByAccession(ctx, accession)
	if err != nil {
		l.Log.Errorf("c-find failed for %s: %v", accession, err)
		res.Status = "error"
		res.Error = fmt.Sprintf("C-FIND failed: %v", err)
		return res
	}
	if len(studies) == 0 {
		res.Status = "error"
		res.Error = "not found on PACS"
		return res
	}
	if len(studies) > 1 {
		l.Log.Warnf("%s matched %d studies on PACS, using the first", accession, len(studies))
		res.Matches = len(studies)
	}
	study := studies[0]
	res.StudyUID = study.StudyInstanceUID
	res.StudyDate = study.StudyDate
	res.Modality = study.PrimaryModality()
	res.Description = study.StudyDescription

	if dryRun {
		res.Status = "dry-run"
		res.CaseID = "(dry-run)"
		res.SeriesCount = study.SeriesCount()
		res.ImageCount = study.InstanceCount()
		return res
	}

	caseID := keyfile.NextCaseID(*entries)
	res.CaseID = caseID

	receiver := l.NewReceiver(projectDir, caseID)
	start := time.Now()
	if err := receiver.Start(); err != nil {
		res.Status = "error"
		res.Error = fmt.Sprintf("start receiver: %v", err)
		return res
	}
	moveRes, moveErr := l.Archive.MoveStudy(ctx, study.StudyInstanceUID, l.MoveDestAE)
	if moveErr == nil {
		// Late in-flight stores may still be on the wire after the
		// final move response.
		receiver.Quiesce(l.quiesceIdle(), l.quiesceMax())
	}
	receiver.Stop()
	res.DurationS = roundedSeconds(time.Since(start))

	if moveErr != nil {
		l.Log.Errorf("c-move failed for %s: %v", accession, moveErr)
		res.Status = "error"
		res.Error = fmt.Sprintf("C-MOVE failed: %v", moveErr)
		return res
	}
	if moveRes.Failed > 0 {
		// Archives raise a failure status themselves when nothing moved;
		// a partial failure is a warning on an otherwise complete load.
		l.Log.Warnf("%s: archive reported %d failed sub-operation(s)", accession, moveRes.Failed)
		res.FailedSubOps = moveRes.Failed
	}

	res.Status = "ok"
	res.SeriesCount = receiver.SeriesCount()
	res.ImageCount = receiver.Received()

	*entries = append(*entries, keyfile.Entry{
		CaseID:      caseID,
		Accession:   accession,
		StudyDate:   res.StudyDate,
		Modality:    res.Modality,
		Description: res.Description,
		SeriesCount: res.SeriesCount,
		ImageCount:  res.ImageCount,
	})
	if err := keyfile.Write(keyPath, *entries); err != nil {
		res.Status = "error"
		res.Error = fmt.Sprintf("write key file: %v", err)
		return res
	}

	l.Log.Infof("loaded %s as %s (%d series, %d images)", accession, caseID, res.SeriesCount, res.ImageCount)
	return res
}

func (l *Loader) quiesceIdle() time.Duration {
	if l.QuiesceIdle > 0 {
		return l.QuiesceIdle
	}
	return time.Second
}

func (l *Loader) quiesceMax() time.Duration {
	if l.QuiesceMax > 0 {
		return l.QuiesceMax
	}
	return 10 * time.Second
}

func (l *Loader) auditResults(ctx context.Context, project string, results []Result) {
	if l.Audit == nil {
		return
	}
	for _, r := range results {
		rec := audit.Record{
			Project:     project,
			Accession:   r.Accession,
			Status:      r.Status,
			ImageCount:  r.ImageCount,
			SeriesCount: r.SeriesCount,
			DurationS:   r.DurationS,
		}
		if r.CaseID != "" {
			rec.CaseID = &r.CaseID
		}
		if r.Modality != "" {
			rec.Modality = &r.Modality
		}
		if r.Error != "" {
			rec.Error = &r.Error
		}
		if err := l.Audit.Append(ctx, rec); err != nil {
			l.Log.Warnf("audit append failed for %s: %v", r.Accession, err)
		}
	}
}

func toOutcomes(results []Result) []verify.Outcome {
	out := make([]verify.Outcome, len(results))
	for i, r := range results {
		out[i] = verify.Outcome{
			Accession:  r.Accession,
			CaseID:     r.CaseID,
			Status:     r.Status,
			Error:      r.Error,
			ImageCount: r.ImageCount,
		}
	}
	return out
}

func writeLoadJSON(path string, results []Result, report verify.LoadReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	payload := struct {
		Results      []Result          `json:"results"`
		Verification verify.LoadReport `json:"verification"`
	}{Results: results, Verification: report}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal load summary: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write load summary: %w", err)
	}
	return nil
}

func roundedSeconds(d time.Duration) *float64 {
	v := math.Round(d.Seconds()*10) / 10
	return &v
}
