// Package pacs is the SCU side of the conversation with the clinical
// archive: C-ECHO verification, C-FIND by accession, and C-MOVE
// retrieval. Query responses from the archive may carry PHI; only the
// safe descriptor fields ever cross this package's boundary.
package pacs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ahjolab/pacsload/internal/dimse"
)

// Client holds the connection parameters for the archive. One Client
// serves many operations; each operation opens its own association.
type Client struct {
	Addr      string
	CallingAE string
	CalledAE  string
	Log       *logrus.Logger
}

// StudyDescriptor carries the safe metadata fields of one C-FIND match.
// Nothing else from the archive's response is retained.
type StudyDescriptor struct {
	AccessionNumber               string `json:"AccessionNumber,omitempty"`
	StudyInstanceUID              string `json:"StudyInstanceUID,omitempty"`
	Modality                      string `json:"Modality,omitempty"`
	ModalitiesInStudy             string `json:"ModalitiesInStudy,omitempty"`
	StudyDate                     string `json:"StudyDate,omitempty"`
	StudyTime                     string `json:"StudyTime,omitempty"`
	StudyDescription              string `json:"StudyDescription,omitempty"`
	NumberOfStudyRelatedSeries    string `json:"NumberOfStudyRelatedSeries,omitempty"`
	NumberOfStudyRelatedInstances string `json:"NumberOfStudyRelatedInstances,omitempty"`
	PatientSex                    string `json:"PatientSex,omitempty"`
	PatientAge                    string `json:"PatientAge,omitempty"`
}

// SeriesCount coerces the related-series count, 0 when absent or
// non-numeric.
func (d StudyDescriptor) SeriesCount() int {
	n, _ := strconv.Atoi(strings.TrimSpace(d.NumberOfStudyRelatedSeries))
	return n
}

// InstanceCount coerces the related-instances count, 0 when absent or
// non-numeric.
func (d StudyDescriptor) InstanceCount() int {
	n, _ := strconv.Atoi(strings.TrimSpace(d.NumberOfStudyRelatedInstances))
	return n
}

// PrimaryModality returns the first modality of the study: Modality if
// set, else the first entry of ModalitiesInStudy.
func (d StudyDescriptor) PrimaryModality() string {
	if d.Modality != "" {
		return d.Modality
	}
	if d.ModalitiesInStudy != "" {
		return strings.SplitN(d.ModalitiesInStudy, "\\", 2)[0]
	}
	return ""
}

// MoveResult holds the sub-operation counters of a completed C-MOVE.
type MoveResult struct {
	Completed int
	Failed    int
	Warning   int
}

func (c *Client) dial(ctx context.Context, abstractSyntax string) (*dimse.Assoc, dimse.PresContext, error) {
	proposed := dimse.ProposeContexts([]string{abstractSyntax}, []string{dimse.ImplicitVRLittleEndian})
	assoc, err := dimse.Dial(ctx, c.Addr, c.CallingAE, c.CalledAE, proposed)
	if err != nil {
		return nil, dimse.PresContext{}, fmt.Errorf("associate with %s at %s: %w", c.CalledAE, c.Addr, err)
	}
	pc, ok := assoc.ContextFor(abstractSyntax)
	if !ok {
		_ = assoc.Release()
		return nil, dimse.PresContext{}, fmt.Errorf("%s refused presentation context %s", c.CalledAE, abstractSyntax)
	}
	return assoc, pc, nil
}

// Echo verifies connectivity with a C-ECHO round trip.
func (c *Client) Echo(ctx context.Context) error {
	assoc, pc, err := c.dial(ctx, dimse.VerificationSOPClass)
	if err != nil {
		return err
	}
	defer assoc.Release()

	rq := &dimse.Command{
		CommandField:        dimse.CEchoRQ,
		AffectedSOPClassUID: dimse.VerificationSOPClass,
		MessageID:           1,
		CommandDataSetType:  dimse.NoDataSet,
	}
	if err := assoc.WriteMessage(pc.ID, rq, nil); err != nil {
		return fmt.Errorf("c-echo: %w", err)
	}
	_, rsp, _, err := assoc.ReadMessage()
	if err != nil {
		return fmt.Errorf("c-echo: %w", err)
	}
	if rsp.Status != dimse.StatusSuccess {
		return fmt.Errorf("c-echo: status 0x%04X", rsp.Status)
	}
	c.Log.Debugf("c-echo ok against %s", c.CalledAE)
	return nil
}

// FindByAccession runs a Study-Root C-FIND with the accession as the
// only matching key and returns the safe fields of every match.
func (c *Client) FindByAccession(ctx context.Context, accession string) ([]StudyDescriptor, error) {
	assoc, pc, err := c.dial(ctx, dimse.StudyRootQueryRetrieveFind)
	if err != nil {
		return nil, err
	}
	defer assoc.Release()

	// Matching key plus empty return keys, in ascending tag order.
	var b dimse.DatasetBuilder
	b.PutString(0x0008, 0x0020, "") // StudyDate
	b.PutString(0x0008, 0x0030, "") // StudyTime
	b.PutString(0x0008, 0x0050, accession)
	b.PutString(0x0008, 0x0052, "STUDY")
	b.PutString(0x0008, 0x0060, "") // Modality
	b.PutString(0x0008, 0x0061, "") // ModalitiesInStudy
	b.PutString(0x0008, 0x1030, "") // StudyDescription
	b.PutString(0x0010, 0x0040, "") // PatientSex
	b.PutString(0x0010, 0x1010, "") // PatientAge
	b.PutUID(0x0020, 0x000D, "")    // StudyInstanceUID
	b.PutString(0x0020, 0x1206, "") // NumberOfStudyRelatedSeries
	b.PutString(0x0020, 0x1208, "") // NumberOfStudyRelatedInstances

	rq := &dimse.Command{
		CommandField:        dimse.CFindRQ,
		AffectedSOPClassUID: dimse.StudyRootQueryRetrieveFind,
		MessageID:           1,
	}
	if err := assoc.WriteMessage(pc.ID, rq, b.Bytes()); err != nil {
		return nil, fmt.Errorf("c-find: %w", err)
	}

	var results []StudyDescriptor
	for {
		_, rsp, data, err := assoc.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("c-find: %w", err)
		}
		if dimse.IsPending(rsp.Status) {
			if len(data) == 0 {
				continue
			}
			elems, err := dimse.ParseImplicit(data)
			if err != nil {
				return nil, fmt.Errorf("c-find: parse identifier: %w", err)
			}
			results = append(results, extractSafeFields(elems))
			continue
		}
		if rsp.Status != dimse.StatusSuccess {
			return nil, fmt.Errorf("c-find: status 0x%04X", rsp.Status)
		}
		break
	}
	c.Log.Debugf("c-find %q: %d match(es)", accession, len(results))
	return results, nil
}

// MoveStudy asks the archive to push the study to destAE and returns
// the final sub-operation counters. The destination must already be
// listening; the archive opens its own association to it.
func (c *Client) MoveStudy(ctx context.Context, studyUID, destAE string) (MoveResult, error) {
	var res MoveResult
	assoc, pc, err := c.dial(ctx, dimse.StudyRootQueryRetrieveMove)
	if err != nil {
		return res, err
	}
	defer assoc.Release()

	var b dimse.DatasetBuilder
	b.PutString(0x0008, 0x0052, "STUDY")
	b.PutUID(0x0020, 0x000D, studyUID)

	rq := &dimse.Command{
		CommandField:        dimse.CMoveRQ,
		AffectedSOPClassUID: dimse.StudyRootQueryRetrieveMove,
		MessageID:           1,
		MoveDestination:     destAE,
	}
	if err := assoc.WriteMessage(pc.ID, rq, b.Bytes()); err != nil {
		return res, fmt.Errorf("c-move: %w", err)
	}

	for {
		_, rsp, _, err := assoc.ReadMessage()
		if err != nil {
			return res, fmt.Errorf("c-move: %w", err)
		}
		if dimse.IsPending(rsp.Status) {
			if rsp.NumberOfRemainingSuboperations != nil {
				c.Log.Debugf("c-move pending: %d sub-operations remaining", *rsp.NumberOfRemainingSuboperations)
			}
			continue
		}
		if rsp.Status != dimse.StatusSuccess {
			return res, fmt.Errorf("c-move: status 0x%04X", rsp.Status)
		}
		if rsp.NumberOfCompletedSuboperations != nil {
			res.Completed = int(*rsp.NumberOfCompletedSuboperations)
		}
		if rsp.NumberOfFailedSuboperations != nil {
			res.Failed = int(*rsp.NumberOfFailedSuboperations)
		}
		if rsp.NumberOfWarningSuboperations != nil {
			res.Warning = int(*rsp.NumberOfWarningSuboperations)
		}
		return res, nil
	}
}

func extractSafeFields(elems []dimse.Element) StudyDescriptor {
	return StudyDescriptor{
		AccessionNumber:               dimse.FindString(elems, 0x0008, 0x0050),
		StudyInstanceUID:              dimse.FindString(elems, 0x0020, 0x000D),
		Modality:                      dimse.FindString(elems, 0x0008, 0x0060),
		ModalitiesInStudy:             dimse.FindString(elems, 0x0008, 0x0061),
		StudyDate:                     dimse.FindString(elems, 0x0008, 0x0020),
		StudyTime:                     dimse.FindString(elems, 0x0008, 0x0030),
		StudyDescription:              dimse.FindString(elems, 0x0008, 0x1030),
		NumberOfStudyRelatedSeries:    dimse.FindString(elems, 0x0020, 0x1206),
		NumberOfStudyRelatedInstances: dimse.FindString(elems, 0x0020, 0x1208),
		PatientSex:                    dimse.FindString(elems, 0x0010, 0x0040),
		PatientAge:                    dimse.FindString(elems, 0x0010, 0x1010),
	}
}
