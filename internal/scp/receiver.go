// Package scp runs the tool's own C-STORE receiver. During a C-MOVE the
// archive opens associations here and pushes instances; every instance
// is anonymized in memory before anything touches disk.
package scp

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/ahjolab/pacsload/internal/anonymize"
	"github.com/ahjolab/pacsload/internal/dimse"
)

// Receiver is a C-STORE SCP bound to one load: everything it receives
// is anonymized with one case ID and written under one case directory.
type Receiver struct {
	Port       int
	AETitle    string
	ProjectDir string
	CaseID     string
	Log        *logrus.Logger

	listener net.Listener
	handlers sync.WaitGroup
	stopped  bool

	// mu guards the ordinal state below. It is never held across
	// parsing, anonymization, or file I/O.
	mu            sync.Mutex
	seriesOrdinal map[string]int
	instanceCount map[string]int
	seriesFiles   map[string][]string
	received      int
	lastReceived  time.Time
}

// Start binds the listener and begins accepting associations. When it
// returns without error the port is ready, so a C-MOVE issued
// afterwards cannot race the listener.
func (r *Receiver) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", r.Port, err)
	}
	r.listener = ln
	if r.Port == 0 {
		r.Port = ln.Addr().(*net.TCPAddr).Port
	}
	r.seriesOrdinal = map[string]int{}
	r.instanceCount = map[string]int{}
	r.seriesFiles = map[string][]string{}
	r.Log.Infof("store receiver listening on port %d (AE %s)", r.Port, r.AETitle)

	r.handlers.Add(1)
	go func() {
		defer r.handlers.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r.handlers.Add(1)
			go func() {
				defer r.handlers.Done()
				r.serve(conn)
			}()
		}
	}()
	return nil
}

// Stop refuses new associations and waits for in-flight handlers to
// finish. Safe to call more than once and on all exit paths.
func (r *Receiver) Stop() {
	if r.stopped || r.listener == nil {
		return
	}
	r.stopped = true
	_ = r.listener.Close()
	r.handlers.Wait()
	r.Log.Infof("store receiver stopped after %d file(s)", r.Received())
}

// Quiesce blocks until no new instance has arrived for the idle window,
// or until the hard cap elapses. Called between the final C-MOVE
// response and Stop so late in-flight stores still land.
func (r *Receiver) Quiesce(idle, max time.Duration) {
	deadline := time.Now().Add(max)
	for {
		r.mu.Lock()
		last := r.lastReceived
		n := r.received
		r.mu.Unlock()
		if last.IsZero() {
			last = time.Now().Add(-idle) // nothing ever arrived
		}
		quiet := time.Since(last)
		if n > 0 && quiet >= idle {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		sleep := idle - quiet
		if sleep < 10*time.Millisecond {
			sleep = 10 * time.Millisecond
		}
		if rest := time.Until(deadline); sleep > rest {
			sleep = rest
		}
		time.Sleep(sleep)
	}
}

// Received returns the number of instances stored so far.
func (r *Receiver) Received() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// SeriesCount returns the number of distinct series seen so far.
func (r *Receiver) SeriesCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seriesOrdinal)
}

// Files returns the written paths keyed by series UID, in arrival
// order. Only successfully stored instances appear.
func (r *Receiver) Files() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.seriesFiles))
	for uid, paths := range r.seriesFiles {
		out[uid] = append([]string(nil), paths...)
	}
	return out
}

func (r *Receiver) serve(conn net.Conn) {
	defer conn.Close()

	assoc, err := dimse.Accept(conn, func(abstract string) bool {
		return abstract == dimse.VerificationSOPClass || dimse.IsStorageSOPClass(abstract)
	})
	if err != nil {
		r.Log.Debugf("association refused: %v", err)
		return
	}
	defer assoc.Close()

	for {
		ctxID, cmd, data, err := assoc.ReadMessage()
		if err != nil {
			if !errors.Is(err, dimse.ErrReleased) {
				r.Log.Debugf("association ended: %v", err)
			}
			return
		}
		switch cmd.CommandField {
		case dimse.CEchoRQ:
			rsp := &dimse.Command{
				CommandField:              dimse.CEchoRSP,
				AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
				MessageIDBeingRespondedTo: cmd.MessageID,
				CommandDataSetType:        dimse.NoDataSet,
				Status:                    dimse.StatusSuccess,
			}
			if err := assoc.WriteMessage(ctxID, rsp, nil); err != nil {
				return
			}
		case dimse.CStoreRQ:
			status := dimse.StatusSuccess
			if err := r.store(assoc, ctxID, cmd, data); err != nil {
				r.Log.Warnf("store failed: %v", err)
				status = dimse.StatusUnableToProcess
			}
			rsp := &dimse.Command{
				CommandField:              dimse.CStoreRSP,
				AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    cmd.AffectedSOPInstanceUID,
				MessageIDBeingRespondedTo: cmd.MessageID,
				CommandDataSetType:        dimse.NoDataSet,
				Status:                    status,
			}
			if err := assoc.WriteMessage(ctxID, rsp, nil); err != nil {
				return
			}
		default:
			r.Log.Warnf("unsupported command 0x%04X, aborting association", cmd.CommandField)
			return
		}
	}
}

// store parses, anonymizes, and writes one incoming instance. The
// ordinal bookkeeping happens under the mutex; everything else outside.
func (r *Receiver) store(assoc *dimse.Assoc, ctxID byte, cmd *dimse.Command, data []byte) error {
	pc, ok := assoc.Context(ctxID)
	if !ok {
		return fmt.Errorf("store on unknown presentation context %d", ctxID)
	}

	// Network datasets carry no file meta; synthesize one so the parser
	// sees a well-formed file.
	file := dimse.WrapFileMeta(data, cmd.AffectedSOPClassUID, cmd.AffectedSOPInstanceUID, pc.TransferSyntax)
	ds, err := dicom.Parse(bytes.NewReader(file), int64(len(file)), nil)
	if err != nil {
		return fmt.Errorf("parse dataset: %w", err)
	}

	seriesUID := "unknown"
	if elem, err := ds.FindElementByTag(tag.SeriesInstanceUID); err == nil {
		if v := strings.Trim(elem.Value.String(), " []"); v != "" {
			seriesUID = v
		}
	}

	r.mu.Lock()
	seriesNum, ok := r.seriesOrdinal[seriesUID]
	if !ok {
		seriesNum = len(r.seriesOrdinal) + 1
		r.seriesOrdinal[seriesUID] = seriesNum
	}
	r.instanceCount[seriesUID]++
	instNum := r.instanceCount[seriesUID]
	r.mu.Unlock()

	if err := anonymize.Dataset(&ds, r.CaseID); err != nil {
		return fmt.Errorf("anonymize: %w", err)
	}

	seriesDir := filepath.Join(r.ProjectDir, r.CaseID, fmt.Sprintf("series%02d", seriesNum))
	if err := os.MkdirAll(seriesDir, 0o755); err != nil {
		return fmt.Errorf("create series dir: %w", err)
	}
	path := filepath.Join(seriesDir, fmt.Sprintf("%05d.dcm", instNum))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	// Clinical archives emit nonconforming values; the allowlist already
	// dropped everything we do not keep, so VR checks only cause noise.
	if err := dicom.Write(f, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	r.mu.Lock()
	r.seriesFiles[seriesUID] = append(r.seriesFiles[seriesUID], path)
	r.received++
	r.lastReceived = time.Now()
	r.mu.Unlock()

	r.Log.Debugf("stored %s", path)
	return nil
}
