// Package dicomtag holds the static de-identification policy: the set of
// attributes that identify a patient (PHI) and the allowlist of attributes
// that may survive anonymization (Keep). Everything not on the allowlist is
// deleted, so the safety of the output rests on these two tables.
package dicomtag

import "github.com/suyashkumar/dicom/pkg/tag"

// phiTags are attributes that directly identify the patient, the treating
// staff, or the institution. All of them are deleted during anonymization;
// PatientName and PatientID are afterwards re-stamped with the case ID.
var phiTags = map[tag.Tag]string{
	// Patient identification
	tag.PatientName:              "PatientName",
	tag.PatientID:                "PatientID",
	tag.PatientBirthDate:         "PatientBirthDate",
	tag.OtherPatientIDs:          "OtherPatientIDs",
	tag.OtherPatientNames:        "OtherPatientNames",
	tag.IssuerOfPatientID:        "IssuerOfPatientID",
	tag.PatientAddress:           "PatientAddress",
	tag.PatientTelephoneNumbers:  "PatientTelephoneNumbers",
	tag.AdditionalPatientHistory: "AdditionalPatientHistory",
	tag.PatientComments:          "PatientComments",

	// Physician / operator identification
	tag.ReferringPhysicianName:  "ReferringPhysicianName",
	tag.PerformingPhysicianName: "PerformingPhysicianName",
	tag.OperatorsName:           "OperatorsName",
	tag.RequestingPhysician:     "RequestingPhysician",

	// Institution
	tag.InstitutionName:    "InstitutionName",
	tag.InstitutionAddress: "InstitutionAddress",

	// Sequences that may carry PHI in nested items
	tag.RequestAttributesSequence: "RequestAttributesSequence",
}

// keepTags is the allowlist. Only these attributes (plus the file meta
// group, which readers need to open the file at all) survive anonymization.
// StudyID (0020,0010) is deliberately absent: sites are known to mirror the
// patient ID into it.
var keepTags = map[tag.Tag]string{
	// Identifiers (non-patient)
	tag.AccessionNumber:     "AccessionNumber",
	tag.StudyInstanceUID:    "StudyInstanceUID",
	tag.SeriesInstanceUID:   "SeriesInstanceUID",
	tag.SOPInstanceUID:      "SOPInstanceUID",
	tag.SOPClassUID:         "SOPClassUID",
	tag.FrameOfReferenceUID: "FrameOfReferenceUID",

	// Study/series metadata
	tag.SpecificCharacterSet:  "SpecificCharacterSet",
	tag.ImageType:             "ImageType",
	tag.StudyDate:             "StudyDate",
	tag.SeriesDate:            "SeriesDate",
	tag.StudyTime:             "StudyTime",
	tag.SeriesTime:            "SeriesTime",
	tag.Modality:              "Modality",
	tag.ModalitiesInStudy:     "ModalitiesInStudy",
	tag.StudyDescription:      "StudyDescription",
	tag.SeriesDescription:     "SeriesDescription",
	tag.SeriesNumber:          "SeriesNumber",
	tag.InstanceNumber:        "InstanceNumber",
	tag.Manufacturer:          "Manufacturer",
	tag.ManufacturerModelName: "ManufacturerModelName",
	tag.SoftwareVersions:      "SoftwareVersions",
	tag.ImageComments:         "ImageComments",

	// Patient demographics (non-identifying alone)
	tag.PatientSex:    "PatientSex",
	tag.PatientAge:    "PatientAge",
	tag.PatientSize:   "PatientSize",
	tag.PatientWeight: "PatientWeight",

	// Acquisition parameters (group 0x0018)
	tag.ContrastBolusAgent:            "ContrastBolusAgent",
	tag.BodyPartExamined:              "BodyPartExamined",
	tag.ScanningSequence:              "ScanningSequence",
	tag.SequenceVariant:               "SequenceVariant",
	tag.ScanOptions:                   "ScanOptions",
	tag.MRAcquisitionType:             "MRAcquisitionType",
	tag.SequenceName:                  "SequenceName",
	tag.SliceThickness:                "SliceThickness",
	tag.KVP:                           "KVP",
	tag.RepetitionTime:                "RepetitionTime",
	tag.EchoTime:                      "EchoTime",
	tag.InversionTime:                 "InversionTime",
	tag.NumberOfAverages:              "NumberOfAverages",
	tag.ImagingFrequency:              "ImagingFrequency",
	tag.ImagedNucleus:                 "ImagedNucleus",
	tag.EchoNumbers:                   "EchoNumbers",
	tag.MagneticFieldStrength:         "MagneticFieldStrength",
	tag.SpacingBetweenSlices:          "SpacingBetweenSlices",
	tag.DataCollectionDiameter:        "DataCollectionDiameter",
	tag.EchoTrainLength:               "EchoTrainLength",
	tag.PercentSampling:               "PercentSampling",
	tag.PercentPhaseFieldOfView:       "PercentPhaseFieldOfView",
	tag.PixelBandwidth:                "PixelBandwidth",
	tag.DeviceSerialNumber:            "DeviceSerialNumber",
	tag.ProtocolName:                  "ProtocolName",
	tag.ContrastBolusRoute:            "ContrastBolusRoute",
	tag.SpatialResolution:             "SpatialResolution",
	tag.TriggerTime:                   "TriggerTime",
	tag.ReconstructionDiameter:        "ReconstructionDiameter",
	tag.DistanceSourceToDetector:      "DistanceSourceToDetector",
	tag.DistanceSourceToPatient:       "DistanceSourceToPatient",
	tag.GantryDetectorTilt:            "GantryDetectorTilt",
	tag.TableHeight:                   "TableHeight",
	tag.RotationDirection:             "RotationDirection",
	tag.ExposureTime:                  "ExposureTime",
	tag.XRayTubeCurrent:               "XRayTubeCurrent",
	tag.Exposure:                      "Exposure",
	tag.ExposureInuAs:                 "ExposureInuAs",
	tag.FilterType:                    "FilterType",
	tag.GeneratorPower:                "GeneratorPower",
	tag.FocalSpots:                    "FocalSpots",
	tag.DateOfLastCalibration:         "DateOfLastCalibration",
	tag.TimeOfLastCalibration:         "TimeOfLastCalibration",
	tag.ConvolutionKernel:             "ConvolutionKernel",
	tag.ReceiveCoilName:               "ReceiveCoilName",
	tag.TransmitCoilName:              "TransmitCoilName",
	tag.AcquisitionMatrix:             "AcquisitionMatrix",
	tag.InPlanePhaseEncodingDirection: "InPlanePhaseEncodingDirection",
	tag.FlipAngle:                     "FlipAngle",
	tag.SAR:                           "SAR",
	tag.PatientPosition:               "PatientPosition",
	tag.AcquisitionDuration:           "AcquisitionDuration",
	tag.DiffusionBValue:               "DiffusionBValue",
	tag.DiffusionGradientOrientation:  "DiffusionGradientOrientation",

	// Pixel description (group 0x0028)
	tag.SamplesPerPixel:              "SamplesPerPixel",
	tag.PhotometricInterpretation:    "PhotometricInterpretation",
	tag.PlanarConfiguration:          "PlanarConfiguration",
	tag.NumberOfFrames:               "NumberOfFrames",
	tag.Rows:                         "Rows",
	tag.Columns:                      "Columns",
	tag.PixelSpacing:                 "PixelSpacing",
	tag.BitsAllocated:                "BitsAllocated",
	tag.BitsStored:                   "BitsStored",
	tag.HighBit:                      "HighBit",
	tag.PixelRepresentation:          "PixelRepresentation",
	tag.PixelPaddingValue:            "PixelPaddingValue",
	tag.WindowCenter:                 "WindowCenter",
	tag.WindowWidth:                  "WindowWidth",
	tag.RescaleIntercept:             "RescaleIntercept",
	tag.RescaleSlope:                 "RescaleSlope",
	tag.RescaleType:                  "RescaleType",
	tag.WindowCenterWidthExplanation: "WindowCenterWidthExplanation",
	tag.LossyImageCompression:        "LossyImageCompression",
	tag.LossyImageCompressionRatio:   "LossyImageCompressionRatio",

	// Spatial / positioning
	tag.ImagePositionPatient:    "ImagePositionPatient",
	tag.ImageOrientationPatient: "ImageOrientationPatient",
	tag.SliceLocation:           "SliceLocation",

	// Pixel data
	tag.PixelData: "PixelData",

	// File meta group (written by the file writer, read by every consumer)
	tag.FileMetaInformationGroupLength: "FileMetaInformationGroupLength",
	tag.FileMetaInformationVersion:     "FileMetaInformationVersion",
	tag.MediaStorageSOPClassUID:        "MediaStorageSOPClassUID",
	tag.MediaStorageSOPInstanceUID:     "MediaStorageSOPInstanceUID",
	tag.TransferSyntaxUID:              "TransferSyntaxUID",
	tag.ImplementationClassUID:         "ImplementationClassUID",
	tag.ImplementationVersionName:      "ImplementationVersionName",

	// Series/instance count tags (seen in C-FIND responses)
	tag.NumberOfStudyRelatedSeries:     "NumberOfStudyRelatedSeries",
	tag.NumberOfStudyRelatedInstances:  "NumberOfStudyRelatedInstances",
	tag.NumberOfSeriesRelatedInstances: "NumberOfSeriesRelatedInstances",
}

// IsPHI reports whether t is a patient-identifying attribute.
func IsPHI(t tag.Tag) bool {
	_, ok := phiTags[t]
	return ok
}

// IsKept reports whether t is on the allowlist and survives anonymization.
func IsKept(t tag.Tag) bool {
	_, ok := keepTags[t]
	return ok
}

// IsPrivate reports whether t is a privately defined tag. Private tags have
// odd group numbers and are always deleted.
func IsPrivate(t tag.Tag) bool {
	return t.Group%2 == 1
}

// Keyword returns the dictionary keyword for a registered tag, or false if
// the tag is in neither set.
func Keyword(t tag.Tag) (string, bool) {
	if name, ok := phiTags[t]; ok {
		return name, true
	}
	if name, ok := keepTags[t]; ok {
		return name, true
	}
	return "", false
}

// PHITags returns the PHI set as a slice, in no particular order.
func PHITags() []tag.Tag {
	tags := make([]tag.Tag, 0, len(phiTags))
	for t := range phiTags {
		tags = append(tags, t)
	}
	return tags
}

// KeepTags returns the allowlist as a slice, in no particular order.
func KeepTags() []tag.Tag {
	tags := make([]tag.Tag, 0, len(keepTags))
	for t := range keepTags {
		tags = append(tags, t)
	}
	return tags
}
