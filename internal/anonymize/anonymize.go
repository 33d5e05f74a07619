// Package anonymize strips patient-identifying attributes from DICOM
// datasets using an allowlist: an element survives only if its tag is on
// the allowlist or in the file meta group. Patient identity fields are
// re-stamped with the synthetic case ID afterwards, so the output carries
// no linkage to the patient beyond the per-project key file.
package anonymize

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/ahjolab/pacsload/internal/dicomtag"
)

// Method is the marker written to DeidentificationMethod on every output
// file. Bump the suffix when the allowlist changes meaningfully.
const Method = "pacsload allowlist v1"

// Dataset anonymizes ds in place: deletes every element whose tag is
// private, PHI, or not on the allowlist (file meta is never touched), then
// stamps PatientName and PatientID with caseID and marks the dataset as
// de-identified. Running it twice yields the same result as once.
//
// Deletion is decided on the tag alone. Values are never inspected, so
// malformed or vendor-specific value encodings in dropped elements cannot
// break the pass.
func Dataset(ds *dicom.Dataset, caseID string) error {
	kept := ds.Elements[:0]
	for _, elem := range ds.Elements {
		t := elem.Tag
		switch {
		case t.Group == 0x0002:
			kept = append(kept, elem)
		case dicomtag.IsPrivate(t):
			// dropped
		case dicomtag.IsPHI(t):
			// dropped
		case elem.RawValueRepresentation == "SQ" && !dicomtag.IsKept(t):
			// dropped
		case !dicomtag.IsKept(t):
			// dropped
		default:
			kept = append(kept, elem)
		}
	}
	ds.Elements = kept

	// PatientName and PatientID were just deleted (both are PHI); they are
	// re-introduced here carrying only the case ID.
	for _, stamp := range []struct {
		tag   tag.Tag
		value string
	}{
		{tag.PatientName, caseID},
		{tag.PatientID, caseID},
		{tag.PatientIdentityRemoved, "YES"},
		{tag.DeidentificationMethod, Method},
	} {
		if err := setString(ds, stamp.tag, stamp.value); err != nil {
			return err
		}
	}

	// Writers emit elements in slice order and DICOM files must be in
	// ascending tag order, so re-sort after the appends above.
	sort.Slice(ds.Elements, func(i, j int) bool {
		if ds.Elements[i].Tag.Group != ds.Elements[j].Tag.Group {
			return ds.Elements[i].Tag.Group < ds.Elements[j].Tag.Group
		}
		return ds.Elements[i].Tag.Element < ds.Elements[j].Tag.Element
	})

	return nil
}

// File reads a DICOM file, anonymizes it, and writes it to dst, creating
// parent directories as needed. The write keeps a well-formed file header
// and skips value-representation checks: archives emit nonconforming but
// harmless values, and everything not allowlisted is already gone.
func File(src, dst, caseID string) error {
	ds, err := dicom.ParseFile(src, nil)
	if err != nil {
		return fmt.Errorf("parse %s: %w", src, err)
	}
	if err := Dataset(&ds, caseID); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return dicom.Write(f, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification())
}

// setString replaces the element with tag t (or appends one) so the dataset
// holds exactly one element for t with the given value.
func setString(ds *dicom.Dataset, t tag.Tag, value string) error {
	elem, err := dicom.NewElement(t, []string{value})
	if err != nil {
		return fmt.Errorf("create element %v: %w", t, err)
	}
	for i, existing := range ds.Elements {
		if existing.Tag == t {
			ds.Elements[i] = elem
			return nil
		}
	}
	ds.Elements = append(ds.Elements, elem)
	return nil
}
