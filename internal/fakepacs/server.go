// Package fakepacs is an in-process PACS archive for tests: a loopback
// SCP answering C-ECHO, C-FIND by accession over its fixture index, and
// C-MOVE with real C-STORE sub-operations to a registered destination.
// It drives the full pipeline over TCP with no mocks.
package fakepacs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahjolab/pacsload/internal/dimse"
	"github.com/ahjolab/pacsload/internal/phantom"
)

// Study is one entry of the archive's index. Counts may disagree with
// the instance list on purpose (a dry-run only sees the counts).
type Study struct {
	Accession       string
	StudyUID        string
	PatientName     string
	InstitutionName string
	PatientSex      string
	PatientAge      string
	Modality        string
	StudyDate       string
	StudyTime       string
	Description     string
	SeriesCount     int
	ImageCount      int
	Instances       []phantom.Instance
}

// FromPhantom indexes a generated phantom study, deriving the counts
// from its instances.
func FromPhantom(st *phantom.Study) Study {
	series := map[string]bool{}
	for _, inst := range st.Instances {
		series[inst.SeriesUID] = true
	}
	return Study{
		Accession:       st.Options.Accession,
		StudyUID:        st.StudyUID,
		PatientName:     st.Options.PatientName,
		InstitutionName: st.Options.InstitutionName,
		PatientSex:      st.Options.PatientSex,
		Modality:        st.Options.Modality,
		StudyDate:       st.Options.StudyDate,
		StudyTime:       "101500",
		Description:     st.Options.Description,
		SeriesCount:     len(series),
		ImageCount:      len(st.Instances),
		Instances:       st.Instances,
	}
}

// Server is the fake archive.
type Server struct {
	AETitle string
	Log     *logrus.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu           sync.Mutex
	studies      []Study
	destinations map[string]string
}

// New builds an empty archive.
func New(log *logrus.Logger) *Server {
	return &Server{AETitle: "FAKEPACS", Log: log, destinations: map[string]string{}}
}

// AddStudy indexes a study for C-FIND and C-MOVE.
func (s *Server) AddStudy(st Study) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies = append(s.studies, st)
}

// RegisterDestination maps a C-MOVE destination AE title to a dial
// address, the way a real archive's routing table does.
func (s *Server) RegisterDestination(aeTitle, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destinations[aeTitle] = addr
}

// Start listens on an ephemeral loopback port and returns its address.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
	return ln.Addr().String(), nil
}

// Stop closes the listener and waits for handlers.
func (s *Server) Stop() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	assoc, err := dimse.Accept(conn, func(abstract string) bool {
		switch abstract {
		case dimse.VerificationSOPClass, dimse.StudyRootQueryRetrieveFind, dimse.StudyRootQueryRetrieveMove:
			return true
		}
		return false
	})
	if err != nil {
		s.Log.Debugf("fakepacs: association refused: %v", err)
		return
	}
	defer assoc.Close()

	for {
		ctxID, cmd, data, err := assoc.ReadMessage()
		if err != nil {
			if !errors.Is(err, dimse.ErrReleased) {
				s.Log.Debugf("fakepacs: association ended: %v", err)
			}
			return
		}
		switch cmd.CommandField {
		case dimse.CEchoRQ:
			err = s.handleEcho(assoc, ctxID, cmd)
		case dimse.CFindRQ:
			err = s.handleFind(assoc, ctxID, cmd, data)
		case dimse.CMoveRQ:
			err = s.handleMove(assoc, ctxID, cmd, data)
		default:
			s.Log.Warnf("fakepacs: unsupported command 0x%04X", cmd.CommandField)
			return
		}
		if err != nil {
			s.Log.Debugf("fakepacs: %v", err)
			return
		}
	}
}

func (s *Server) handleEcho(assoc *dimse.Assoc, ctxID byte, cmd *dimse.Command) error {
	return assoc.WriteMessage(ctxID, &dimse.Command{
		CommandField:              dimse.CEchoRSP,
		AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: cmd.MessageID,
		CommandDataSetType:        dimse.NoDataSet,
		Status:                    dimse.StatusSuccess,
	}, nil)
}

func (s *Server) handleFind(assoc *dimse.Assoc, ctxID byte, cmd *dimse.Command, data []byte) error {
	elems, err := dimse.ParseImplicit(data)
	if err != nil {
		return fmt.Errorf("parse find identifier: %w", err)
	}
	accession := dimse.FindString(elems, 0x0008, 0x0050)

	s.mu.Lock()
	var matches []Study
	for _, st := range s.studies {
		if st.Accession == accession {
			matches = append(matches, st)
		}
	}
	s.mu.Unlock()

	for _, st := range matches {
		// The identifier deliberately carries PHI alongside the safe
		// fields; a correct client never lets it past its boundary.
		var b dimse.DatasetBuilder
		b.PutString(0x0008, 0x0020, st.StudyDate)
		b.PutString(0x0008, 0x0030, st.StudyTime)
		b.PutString(0x0008, 0x0050, st.Accession)
		b.PutString(0x0008, 0x0052, "STUDY")
		b.PutString(0x0008, 0x0060, st.Modality)
		b.PutString(0x0008, 0x0080, st.InstitutionName)
		b.PutString(0x0008, 0x1030, st.Description)
		b.PutString(0x0010, 0x0010, st.PatientName)
		b.PutString(0x0010, 0x0040, st.PatientSex)
		b.PutString(0x0010, 0x1010, st.PatientAge)
		b.PutUID(0x0020, 0x000D, st.StudyUID)
		b.PutString(0x0020, 0x1206, strconv.Itoa(st.SeriesCount))
		b.PutString(0x0020, 0x1208, strconv.Itoa(st.ImageCount))

		rsp := &dimse.Command{
			CommandField:              dimse.CFindRSP,
			AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: cmd.MessageID,
			Status:                    dimse.StatusPending,
		}
		if err := assoc.WriteMessage(ctxID, rsp, b.Bytes()); err != nil {
			return fmt.Errorf("send find pending: %w", err)
		}
	}

	return assoc.WriteMessage(ctxID, &dimse.Command{
		CommandField:              dimse.CFindRSP,
		AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: cmd.MessageID,
		CommandDataSetType:        dimse.NoDataSet,
		Status:                    dimse.StatusSuccess,
	}, nil)
}

func (s *Server) handleMove(assoc *dimse.Assoc, ctxID byte, cmd *dimse.Command, data []byte) error {
	elems, err := dimse.ParseImplicit(data)
	if err != nil {
		return fmt.Errorf("parse move identifier: %w", err)
	}
	studyUID := dimse.FindString(elems, 0x0020, 0x000D)

	s.mu.Lock()
	var study *Study
	for i := range s.studies {
		if s.studies[i].StudyUID == studyUID {
			study = &s.studies[i]
			break
		}
	}
	destAddr := s.destinations[cmd.MoveDestination]
	s.mu.Unlock()

	fail := func(status uint16) error {
		return assoc.WriteMessage(ctxID, &dimse.Command{
			CommandField:              dimse.CMoveRSP,
			AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
			MessageIDBeingRespondedTo: cmd.MessageID,
			CommandDataSetType:        dimse.NoDataSet,
			Status:                    status,
		}, nil)
	}
	if study == nil || destAddr == "" {
		return fail(dimse.StatusUnableToProcess)
	}

	completed, failed := s.storeInstances(destAddr, study)

	c, f := uint16(completed), uint16(failed)
	zero := uint16(0)
	return assoc.WriteMessage(ctxID, &dimse.Command{
		CommandField:                   dimse.CMoveRSP,
		AffectedSOPClassUID:            cmd.AffectedSOPClassUID,
		MessageIDBeingRespondedTo:      cmd.MessageID,
		CommandDataSetType:             dimse.NoDataSet,
		Status:                         dimse.StatusSuccess,
		NumberOfCompletedSuboperations: &c,
		NumberOfFailedSuboperations:    &f,
		NumberOfWarningSuboperations:   &zero,
	}, nil)
}

// storeInstances opens one association to the destination and pushes
// every instance of the study as a C-STORE sub-operation.
func (s *Server) storeInstances(destAddr string, study *Study) (completed, failed int) {
	classes := map[string]bool{}
	for _, inst := range study.Instances {
		classes[inst.SOPClassUID] = true
	}
	var abstract []string
	for class := range classes {
		abstract = append(abstract, class)
	}
	if len(abstract) == 0 {
		return 0, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	proposed := dimse.ProposeContexts(abstract, []string{dimse.ExplicitVRLittleEndian})
	assoc, err := dimse.Dial(ctx, destAddr, s.AETitle, "ANY-SCP", proposed)
	if err != nil {
		s.Log.Warnf("fakepacs: store association failed: %v", err)
		return 0, len(study.Instances)
	}
	defer assoc.Release()

	msgID := uint16(1)
	for _, inst := range study.Instances {
		pc, ok := assoc.ContextFor(inst.SOPClassUID)
		if !ok {
			failed++
			continue
		}
		dataset, err := readDatasetBytes(inst.Path)
		if err != nil {
			s.Log.Warnf("fakepacs: %v", err)
			failed++
			continue
		}
		rq := &dimse.Command{
			CommandField:           dimse.CStoreRQ,
			AffectedSOPClassUID:    inst.SOPClassUID,
			AffectedSOPInstanceUID: inst.SOPInstanceUID,
			MessageID:              msgID,
		}
		msgID++
		if err := assoc.WriteMessage(pc.ID, rq, dataset); err != nil {
			s.Log.Warnf("fakepacs: store send failed: %v", err)
			return completed, len(study.Instances) - completed
		}
		_, rsp, _, err := assoc.ReadMessage()
		if err != nil {
			s.Log.Warnf("fakepacs: store response failed: %v", err)
			return completed, len(study.Instances) - completed
		}
		if rsp.Status == dimse.StatusSuccess {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}

// readDatasetBytes strips the 132-byte file header and the meta group
// from a fixture file, leaving the dataset exactly as it travels in a
// C-STORE data PDV.
func readDatasetBytes(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	// 128-byte preamble + DICM + (0002,0000) UL group length element.
	if len(raw) < 144 || string(raw[128:132]) != "DICM" {
		return nil, fmt.Errorf("fixture %s is not a DICOM file", path)
	}
	metaLen := binary.LittleEndian.Uint32(raw[140:144])
	start := 144 + int(metaLen)
	if start > len(raw) {
		return nil, fmt.Errorf("fixture %s: meta group exceeds file", path)
	}
	return raw[start:], nil
}
