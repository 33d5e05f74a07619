// Package phantom generates deterministic synthetic DICOM studies for
// tests and the fake archive. The pixel data is noise shaped around the
// frame center with the accession burned in as a text overlay, so a
// fixture is recognizably an image and not just metadata.
package phantom

import (
	"fmt"
	"hash/fnv"
	"math"
	randv2 "math/rand/v2"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// CT image storage; phantoms default to CT unless told otherwise.
const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"
const mrImageStorage = "1.2.840.10008.5.1.4.1.1.4"

// StudyOptions describes one synthetic study. All identifiers derive
// from the accession, so the same options always yield the same UIDs.
type StudyOptions struct {
	Accession       string
	PatientName     string
	PatientID       string
	PatientSex      string
	InstitutionName string
	Modality        string
	StudyDate       string
	Description     string
	SeriesCount     int
	ImagesPerSeries int
	Rows            int
	Columns         int
}

// Instance is one generated file with the identifiers a C-STORE needs.
type Instance struct {
	Path           string
	SeriesUID      string
	SOPInstanceUID string
	SOPClassUID    string
}

// Study is the result of GenerateStudy.
type Study struct {
	StudyUID  string
	Options   StudyOptions
	Instances []Instance
}

func (o *StudyOptions) applyDefaults() {
	if o.PatientName == "" {
		o.PatientName = "Doe^Jane"
	}
	if o.PatientID == "" {
		o.PatientID = "PID000001"
	}
	if o.PatientSex == "" {
		o.PatientSex = "F"
	}
	if o.Modality == "" {
		o.Modality = "CT"
	}
	if o.StudyDate == "" {
		o.StudyDate = "20240102"
	}
	if o.SeriesCount <= 0 {
		o.SeriesCount = 1
	}
	if o.ImagesPerSeries <= 0 {
		o.ImagesPerSeries = 1
	}
	if o.Rows <= 0 {
		o.Rows = 64
	}
	if o.Columns <= 0 {
		o.Columns = 64
	}
}

// GenerateStudy writes the study's instances into dir as IMG%04d.dcm
// and returns the generated identifiers in wire order.
func GenerateStudy(dir string, opts StudyOptions) (*Study, error) {
	opts.applyDefaults()
	if opts.Accession == "" {
		return nil, fmt.Errorf("phantom study needs an accession")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create phantom dir: %w", err)
	}

	sopClass := ctImageStorage
	if opts.Modality == "MR" {
		sopClass = mrImageStorage
	}

	study := &Study{
		StudyUID: DeterministicUID(opts.Accession + "_study"),
		Options:  opts,
	}

	fileIndex := 1
	for s := 1; s <= opts.SeriesCount; s++ {
		seriesUID := DeterministicUID(fmt.Sprintf("%s_series_%d", opts.Accession, s))
		for i := 1; i <= opts.ImagesPerSeries; i++ {
			sopUID := DeterministicUID(fmt.Sprintf("%s_series_%d_instance_%d", opts.Accession, s, i))
			path := filepath.Join(dir, fmt.Sprintf("IMG%04d.dcm", fileIndex))
			ds := buildDataset(opts, study.StudyUID, seriesUID, sopUID, sopClass, s, i)
			if err := writeDataset(path, ds); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
			study.Instances = append(study.Instances, Instance{
				Path:           path,
				SeriesUID:      seriesUID,
				SOPInstanceUID: sopUID,
				SOPClassUID:    sopClass,
			})
			fileIndex++
		}
	}
	return study, nil
}

// DeterministicUID derives a UID from a key, so repeated generation of
// the same fixture agrees across test runs.
func DeterministicUID(key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("1.2.826.0.1.3680043.10.1432.9.%d", h.Sum64()%1_000_000_000_000)
}

func buildDataset(opts StudyOptions, studyUID, seriesUID, sopUID, sopClass string, seriesNum, instNum int) dicom.Dataset {
	width, height := opts.Columns, opts.Rows
	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("%s PHANTOM", opts.Modality)
	}

	elements := []*dicom.Element{
		mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustNewElement(tag.MediaStorageSOPClassUID, []string{sopClass}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{sopUID}),
		mustNewElement(tag.PatientName, []string{opts.PatientName}),
		mustNewElement(tag.PatientID, []string{opts.PatientID}),
		mustNewElement(tag.PatientBirthDate, []string{"19700101"}),
		mustNewElement(tag.PatientSex, []string{opts.PatientSex}),
		mustNewElement(tag.AccessionNumber, []string{opts.Accession}),
		mustNewElement(tag.StudyInstanceUID, []string{studyUID}),
		mustNewElement(tag.StudyDate, []string{opts.StudyDate}),
		mustNewElement(tag.StudyTime, []string{"101500"}),
		mustNewElement(tag.StudyDescription, []string{description}),
		mustNewElement(tag.SeriesInstanceUID, []string{seriesUID}),
		mustNewElement(tag.SeriesNumber, []string{fmt.Sprintf("%d", seriesNum)}),
		mustNewElement(tag.SeriesDescription, []string{fmt.Sprintf("Series %d", seriesNum)}),
		mustNewElement(tag.Modality, []string{opts.Modality}),
		mustNewElement(tag.SOPClassUID, []string{sopClass}),
		mustNewElement(tag.SOPInstanceUID, []string{sopUID}),
		mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", instNum)}),
		mustNewElement(tag.InstitutionName, []string{opts.InstitutionName}),
		mustNewElement(tag.ReferringPhysicianName, []string{"Referring^Robin"}),
		mustNewElement(tag.Rows, []int{height}),
		mustNewElement(tag.Columns, []int{width}),
		mustNewElement(tag.BitsAllocated, []int{16}),
		mustNewElement(tag.BitsStored, []int{16}),
		mustNewElement(tag.HighBit, []int{15}),
		mustNewElement(tag.PixelRepresentation, []int{0}),
		mustNewElement(tag.SamplesPerPixel, []int{1}),
		mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		mustNewElement(tag.PixelData, generatePixels(opts.Accession, width, height, seriesNum, instNum)),
	}
	return dicom.Dataset{Elements: elements}
}

// generatePixels builds a noisy radial gradient with the accession
// burned in, seeded per instance for reproducibility.
func generatePixels(accession string, width, height, seriesNum, instNum int) dicom.PixelDataInfo {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s_pixels_%d_%d", accession, seriesNum, instNum)
	seed := h.Sum64()
	rng := randv2.New(randv2.NewPCG(seed, seed))

	nativeFrame := frame.NewNativeFrame[uint16](16, height, width, width*height, 1)
	centerX, centerY := float64(width)/2, float64(height)/2
	maxDist := math.Sqrt(centerX*centerX + centerY*centerY)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx+dy*dy) / maxDist
			base := 12000 + (1.0-dist)*20000
			noise := (rng.Float64() - 0.5) * 8000
			v := math.Max(0, math.Min(65535, base+noise))
			nativeFrame.RawData[y*width+x] = uint16(v)
		}
	}

	drawOverlay(nativeFrame, width, height, accession)

	return dicom.PixelDataInfo{
		Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
	}
}

func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

func writeDataset(path string, ds dicom.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return dicom.Write(f, ds)
}
