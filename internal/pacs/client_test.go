package pacs

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahjolab/pacsload/internal/dimse"
	"github.com/ahjolab/pacsload/internal/fakepacs"
	"github.com/ahjolab/pacsload/internal/phantom"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startArchive(t *testing.T) (*fakepacs.Server, *Client) {
	t.Helper()
	srv := fakepacs.New(quietLog())
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("start archive: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, &Client{
		Addr:      addr,
		CallingAE: "AHJO-loader",
		CalledAE:  srv.AETitle,
		Log:       quietLog(),
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEcho(t *testing.T) {
	_, client := startArchive(t)
	if err := client.Echo(testCtx(t)); err != nil {
		t.Fatalf("echo: %v", err)
	}
}

func TestEchoConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := &Client{Addr: addr, CallingAE: "AHJO-loader", CalledAE: "GONE", Log: quietLog()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Echo(ctx); err == nil {
		t.Fatal("echo against a dead port must fail")
	}
}

func TestFindByAccessionKeepsOnlySafeFields(t *testing.T) {
	srv, client := startArchive(t)
	srv.AddStudy(fakepacs.Study{
		Accession:       "ACC100",
		StudyUID:        "1.2.840.113619.2.5.100",
		PatientName:     "Doe^Jane",
		InstitutionName: "GENERAL HOSPITAL",
		PatientSex:      "F",
		PatientAge:      "052Y",
		Modality:        "CT",
		StudyDate:       "20240102",
		StudyTime:       "101500",
		Description:     "HEAD CT",
		SeriesCount:     3,
		ImageCount:      150,
	})

	studies, err := client.FindByAccession(testCtx(t), "ACC100")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(studies) != 1 {
		t.Fatalf("got %d matches, want 1", len(studies))
	}
	d := studies[0]
	if d.AccessionNumber != "ACC100" || d.StudyInstanceUID != "1.2.840.113619.2.5.100" {
		t.Errorf("descriptor = %+v", d)
	}
	if d.SeriesCount() != 3 || d.InstanceCount() != 150 {
		t.Errorf("counts = %d series, %d images", d.SeriesCount(), d.InstanceCount())
	}
	if d.PrimaryModality() != "CT" {
		t.Errorf("modality = %q", d.PrimaryModality())
	}
	if d.StudyDescription != "HEAD CT" || d.PatientSex != "F" || d.PatientAge != "052Y" {
		t.Errorf("descriptor = %+v", d)
	}
	// The archive's response carried the patient name and institution;
	// neither may appear anywhere in the descriptor.
	for _, field := range []string{
		d.AccessionNumber, d.StudyInstanceUID, d.Modality, d.ModalitiesInStudy,
		d.StudyDate, d.StudyTime, d.StudyDescription,
		d.NumberOfStudyRelatedSeries, d.NumberOfStudyRelatedInstances,
		d.PatientSex, d.PatientAge,
	} {
		if strings.Contains(field, "Doe^Jane") || strings.Contains(field, "GENERAL HOSPITAL") {
			t.Errorf("descriptor field leaked identifying data: %q", field)
		}
	}
}

func TestFindByAccessionNoMatch(t *testing.T) {
	_, client := startArchive(t)
	studies, err := client.FindByAccession(testCtx(t), "ACC404")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(studies) != 0 {
		t.Errorf("got %d matches, want 0", len(studies))
	}
}

func TestMoveStudyCounters(t *testing.T) {
	srv, client := startArchive(t)

	study, err := phantom.GenerateStudy(t.TempDir(), phantom.StudyOptions{
		Accession:       "ACC200",
		SeriesCount:     1,
		ImagesPerSeries: 2,
	})
	if err != nil {
		t.Fatalf("phantom: %v", err)
	}
	srv.AddStudy(fakepacs.FromPhantom(study))

	// A bare store SCP that acknowledges every sub-operation.
	destAddr, stored := startCountingSCP(t)
	srv.RegisterDestination("AHJO-loader", destAddr)

	res, err := client.MoveStudy(testCtx(t), study.StudyUID, "AHJO-loader")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Completed != 2 || res.Failed != 0 {
		t.Errorf("move result = %+v", res)
	}
	if got := <-stored; got != 2 {
		t.Errorf("destination stored %d instances, want 2", got)
	}
}

func TestMoveStudyUnknownDestination(t *testing.T) {
	srv, client := startArchive(t)
	study, err := phantom.GenerateStudy(t.TempDir(), phantom.StudyOptions{Accession: "ACC300"})
	if err != nil {
		t.Fatalf("phantom: %v", err)
	}
	srv.AddStudy(fakepacs.FromPhantom(study))

	_, err = client.MoveStudy(testCtx(t), study.StudyUID, "NOWHERE")
	if err == nil {
		t.Fatal("move to an unregistered destination must fail")
	}
	if !strings.Contains(err.Error(), "0xC000") {
		t.Errorf("error = %v", err)
	}
}

// startCountingSCP accepts one association, acknowledges every C-STORE,
// and reports the count once the peer releases.
func startCountingSCP(t *testing.T) (string, <-chan int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	stored := make(chan int, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			stored <- 0
			return
		}
		assoc, err := dimse.Accept(conn, dimse.IsStorageSOPClass)
		if err != nil {
			_ = conn.Close()
			stored <- 0
			return
		}
		defer assoc.Close()
		n := 0
		for {
			ctxID, cmd, _, err := assoc.ReadMessage()
			if err != nil {
				stored <- n
				return
			}
			n++
			rsp := &dimse.Command{
				CommandField:              dimse.CStoreRSP,
				AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    cmd.AffectedSOPInstanceUID,
				MessageIDBeingRespondedTo: cmd.MessageID,
				CommandDataSetType:        dimse.NoDataSet,
				Status:                    dimse.StatusSuccess,
			}
			if err := assoc.WriteMessage(ctxID, rsp, nil); err != nil {
				stored <- n
				return
			}
		}
	}()
	return ln.Addr().String(), stored
}
