package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahjolab/pacsload/internal/audit"
	"github.com/ahjolab/pacsload/internal/fakepacs"
	"github.com/ahjolab/pacsload/internal/keyfile"
	"github.com/ahjolab/pacsload/internal/pacs"
	"github.com/ahjolab/pacsload/internal/phantom"
	"github.com/ahjolab/pacsload/internal/scp"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// freePort reserves an ephemeral port and releases it for the receiver.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

type env struct {
	srv     *fakepacs.Server
	loader  *Loader
	baseDir string
	audit   *audit.Log
}

// newEnv wires a fake archive, a real SCU client, and a real store
// receiver factory into a loader, end to end over loopback TCP.
func newEnv(t *testing.T) *env {
	t.Helper()
	log := quietLog()

	srv := fakepacs.New(log)
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("start archive: %v", err)
	}
	t.Cleanup(srv.Stop)

	port := freePort(t)
	srv.RegisterDestination("AHJO-loader", fmt.Sprintf("127.0.0.1:%d", port))

	baseDir := t.TempDir()
	auditLog, err := audit.Open(filepath.Join(baseDir, "audit.db"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	l := &Loader{
		Archive: &pacs.Client{
			Addr:      addr,
			CallingAE: "AHJO-loader",
			CalledAE:  srv.AETitle,
			Log:       log,
		},
		NewReceiver: func(projectDir, caseID string) StoreReceiver {
			return &scp.Receiver{
				Port:       port,
				AETitle:    "AHJO-loader",
				ProjectDir: projectDir,
				CaseID:     caseID,
				Log:        log,
			}
		},
		MoveDestAE:  "AHJO-loader",
		BaseDir:     baseDir,
		Audit:       auditLog,
		Log:         log,
		QuiesceIdle: 100 * time.Millisecond,
		QuiesceMax:  5 * time.Second,
	}
	return &env{srv: srv, loader: l, baseDir: baseDir, audit: auditLog}
}

func (e *env) addPhantom(t *testing.T, opts phantom.StudyOptions) *phantom.Study {
	t.Helper()
	study, err := phantom.GenerateStudy(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("phantom: %v", err)
	}
	e.srv.AddStudy(fakepacs.FromPhantom(study))
	return study
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoadSingleAccession(t *testing.T) {
	e := newEnv(t)
	e.addPhantom(t, phantom.StudyOptions{
		Accession:       "ACC100",
		PatientName:     "Doe^Jane",
		InstitutionName: "GENERAL HOSPITAL",
		Modality:        "CT",
		StudyDate:       "20240102",
		SeriesCount:     3,
		ImagesPerSeries: 50,
	})

	results, report, err := e.loader.LoadAccessions(testCtx(t), "trial1", []string{"ACC100"}, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	r := results[0]
	if r.Status != "ok" || r.CaseID != "case0001" {
		t.Fatalf("result = %+v", r)
	}
	if r.SeriesCount != 3 || r.ImageCount != 150 {
		t.Errorf("counts = %d series, %d images", r.SeriesCount, r.ImageCount)
	}
	if r.Modality != "CT" || r.StudyDate != "20240102" {
		t.Errorf("metadata = %+v", r)
	}
	if r.DurationS == nil {
		t.Error("missing duration")
	}
	if !report.OK || report.Loaded != 1 {
		t.Errorf("report = %+v", report)
	}

	projectDir := filepath.Join(e.baseDir, "trial1")
	for s := 1; s <= 3; s++ {
		for i := 1; i <= 50; i++ {
			path := filepath.Join(projectDir, "case0001", fmt.Sprintf("series%02d", s), fmt.Sprintf("%05d.dcm", i))
			if _, err := os.Stat(path); err != nil {
				t.Errorf("missing %s", path)
			}
		}
	}

	entries, err := keyfile.Read(filepath.Join(projectDir, keyfile.Name))
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	if len(entries) != 1 || entries[0].CaseID != "case0001" || entries[0].Accession != "ACC100" {
		t.Errorf("key entries = %+v", entries)
	}
	if entries[0].SeriesCount != 3 || entries[0].ImageCount != 150 {
		t.Errorf("key counts = %+v", entries[0])
	}

	if _, err := os.Stat(filepath.Join(projectDir, "load.json")); err != nil {
		t.Errorf("missing load.json: %v", err)
	}

	recs, err := e.audit.Query(testCtx(t), "trial1", 10)
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != "ok" || recs[0].Accession != "ACC100" {
		t.Errorf("audit rows = %+v", recs)
	}
}

func TestLoadSkipsAlreadyLoaded(t *testing.T) {
	e := newEnv(t)
	e.addPhantom(t, phantom.StudyOptions{Accession: "ACC100", SeriesCount: 1, ImagesPerSeries: 2})

	ctx := testCtx(t)
	if _, _, err := e.loader.LoadAccessions(ctx, "trial1", []string{"ACC100"}, false); err != nil {
		t.Fatalf("first load: %v", err)
	}
	results, report, err := e.loader.LoadAccessions(ctx, "trial1", []string{"ACC100"}, false)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	r := results[0]
	if r.Status != "skipped" || r.Error != "already loaded" || r.CaseID != "case0001" {
		t.Errorf("result = %+v", r)
	}
	if !report.OK || report.Skipped != 1 || report.Loaded != 0 {
		t.Errorf("report = %+v", report)
	}

	entries, err := keyfile.Read(filepath.Join(e.baseDir, "trial1", keyfile.Name))
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("key file grew to %d entries on a skip", len(entries))
	}
}

func TestLoadNotFound(t *testing.T) {
	e := newEnv(t)
	results, report, err := e.loader.LoadAccessions(testCtx(t), "trial1", []string{"ACC404"}, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := results[0]
	if r.Status != "error" || r.Error != "not found on PACS" {
		t.Errorf("result = %+v", r)
	}
	if report.OK || report.NotFound != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, err := os.Stat(filepath.Join(e.baseDir, "trial1", keyfile.Name)); !os.IsNotExist(err) {
		t.Error("key file written for a failed load")
	}

	raw, err := os.ReadFile(filepath.Join(e.baseDir, "trial1", "load.json"))
	if err != nil {
		t.Fatalf("read load.json: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"status": "error"`)) {
		t.Errorf("load.json does not record the error status:\n%s", raw)
	}
}

func TestLoadDryRun(t *testing.T) {
	e := newEnv(t)
	// Index entry without instances: a dry-run only reads the counts the
	// archive reports, so they may say anything.
	e.srv.AddStudy(fakepacs.Study{
		Accession:   "ACC200",
		StudyUID:    "1.2.840.113619.2.5.200",
		Modality:    "MR",
		StudyDate:   "20240301",
		Description: "BRAIN MR",
		SeriesCount: 5,
		ImageCount:  300,
	})

	results, report, err := e.loader.LoadAccessions(testCtx(t), "trial1", []string{"ACC200"}, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	r := results[0]
	if r.Status != "dry-run" || r.CaseID != "(dry-run)" {
		t.Errorf("result = %+v", r)
	}
	if r.SeriesCount != 5 || r.ImageCount != 300 {
		t.Errorf("counts = %d series, %d images", r.SeriesCount, r.ImageCount)
	}
	if !report.OK {
		t.Errorf("report = %+v", report)
	}

	projectDir := filepath.Join(e.baseDir, "trial1")
	if _, err := os.Stat(filepath.Join(projectDir, keyfile.Name)); !os.IsNotExist(err) {
		t.Error("dry run wrote a key file")
	}
	if _, err := os.Stat(filepath.Join(projectDir, "(dry-run)")); !os.IsNotExist(err) {
		t.Error("dry run created a case directory")
	}
	if _, err := os.Stat(filepath.Join(projectDir, "load.json")); err != nil {
		t.Errorf("dry run did not write load.json: %v", err)
	}

	recs, err := e.audit.Query(testCtx(t), "trial1", 10)
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != "dry-run" || recs[0].Accession != "ACC200" {
		t.Errorf("audit rows = %+v", recs)
	}
}

func TestLoadMixedBatchContinuesAfterFailure(t *testing.T) {
	e := newEnv(t)
	e.addPhantom(t, phantom.StudyOptions{Accession: "ACC1", SeriesCount: 1, ImagesPerSeries: 2})
	e.addPhantom(t, phantom.StudyOptions{Accession: "ACC3", SeriesCount: 2, ImagesPerSeries: 2})

	results, report, err := e.loader.LoadAccessions(testCtx(t), "trial1", []string{"ACC1", "ACC2", "ACC3"}, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Status != "ok" || results[0].CaseID != "case0001" {
		t.Errorf("first = %+v", results[0])
	}
	if results[1].Status != "error" || results[1].Error != "not found on PACS" {
		t.Errorf("second = %+v", results[1])
	}
	if results[2].Status != "ok" || results[2].CaseID != "case0002" {
		t.Errorf("third = %+v", results[2])
	}
	if report.OK || report.Loaded != 2 || report.NotFound != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestLoadOutputCarriesNoIdentifyingData(t *testing.T) {
	e := newEnv(t)
	e.addPhantom(t, phantom.StudyOptions{
		Accession:       "ACC100",
		PatientName:     "CompressedSamples^CT1",
		InstitutionName: "JFK IMAGING CENTER",
		SeriesCount:     2,
		ImagesPerSeries: 2,
	})

	if _, _, err := e.loader.LoadAccessions(testCtx(t), "trial1", []string{"ACC100"}, false); err != nil {
		t.Fatalf("load: %v", err)
	}

	err := filepath.WalkDir(filepath.Join(e.baseDir, "trial1"), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.Contains(raw, []byte("CompressedSamples^CT1")) {
			t.Errorf("%s contains the patient name", path)
		}
		if bytes.Contains(raw, []byte("JFK IMAGING CENTER")) {
			t.Errorf("%s contains the institution", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}

// stubArchive returns canned C-FIND and C-MOVE answers, for outcomes
// the fake archive cannot produce on demand.
type stubArchive struct {
	study pacs.StudyDescriptor
	move  pacs.MoveResult
}

func (s *stubArchive) FindByAccession(ctx context.Context, accession string) ([]pacs.StudyDescriptor, error) {
	return []pacs.StudyDescriptor{s.study}, nil
}

func (s *stubArchive) MoveStudy(ctx context.Context, studyUID, destAE string) (pacs.MoveResult, error) {
	return s.move, nil
}

type stubReceiver struct {
	received int
	series   int
}

func (r *stubReceiver) Start() error { return nil }

func (r *stubReceiver) Stop() {}

func (r *stubReceiver) Quiesce(idle, max time.Duration) {}

func (r *stubReceiver) Received() int { return r.received }

func (r *stubReceiver) SeriesCount() int { return r.series }

func TestLoadRecordsFailedSubOperations(t *testing.T) {
	l := &Loader{
		Archive: &stubArchive{
			study: pacs.StudyDescriptor{AccessionNumber: "ACC1", StudyInstanceUID: "1.2.3.4", Modality: "CT"},
			move:  pacs.MoveResult{Completed: 9, Failed: 1},
		},
		NewReceiver: func(projectDir, caseID string) StoreReceiver {
			return &stubReceiver{received: 9, series: 2}
		},
		MoveDestAE: "AHJO-loader",
		BaseDir:    t.TempDir(),
		Log:        quietLog(),
	}

	results, _, err := l.LoadAccessions(testCtx(t), "trial1", []string{"ACC1"}, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := results[0]
	if r.Status != "ok" {
		t.Errorf("status = %q, want ok despite partial sub-op failure", r.Status)
	}
	if r.FailedSubOps != 1 {
		t.Errorf("failed sub-ops = %d, want 1", r.FailedSubOps)
	}
	if r.ImageCount != 9 {
		t.Errorf("image count = %d, want 9", r.ImageCount)
	}
}

func TestLoadJSONShape(t *testing.T) {
	e := newEnv(t)
	e.addPhantom(t, phantom.StudyOptions{Accession: "ACC1", SeriesCount: 1, ImagesPerSeries: 2})

	if _, _, err := e.loader.LoadAccessions(testCtx(t), "trial1", []string{"ACC1"}, false); err != nil {
		t.Fatalf("load: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(e.baseDir, "trial1", "load.json"))
	if err != nil {
		t.Fatalf("read load.json: %v", err)
	}
	var payload struct {
		Results []struct {
			CaseID string `json:"case_id"`
			Status string `json:"status"`
		} `json:"results"`
		Verification struct {
			OK             bool `json:"ok"`
			TotalRequested int  `json:"total_requested"`
			Loaded         int  `json:"loaded"`
		} `json:"verification"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal load.json: %v", err)
	}
	if len(payload.Results) != 1 || payload.Results[0].CaseID != "case0001" {
		t.Errorf("results = %+v", payload.Results)
	}
	if !payload.Verification.OK || payload.Verification.Loaded != 1 {
		t.Errorf("verification = %+v", payload.Verification)
	}
}
