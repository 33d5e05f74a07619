// Package dimse implements the DICOM Upper Layer protocol and the DIMSE
// message framing this tool needs: association negotiation, P-DATA
// fragmentation, and implicit-VR command sets. It covers both sides of
// the conversation, the SCU operations against the archive and the
// embedded C-STORE SCP that receives what the archive pushes back.
package dimse

import "strings"

// Well-known UIDs used during association negotiation.
const (
	ApplicationContextName = "1.2.840.10008.3.1.1.1"

	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	VerificationSOPClass = "1.2.840.10008.1.1"

	StudyRootQueryRetrieveFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveMove = "1.2.840.10008.5.1.4.1.2.2.2"

	implementationClassUID    = "1.2.826.0.1.3680043.10.1432.1"
	implementationVersionName = "PACSLOAD-1.0"
)

// StorageSOPClasses lists the storage presentation contexts the receiver
// advertises. The archive picks whichever matches the instances it holds.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",     // CR Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",   // Digital X-Ray (presentation)
	"1.2.840.10008.5.1.4.1.1.1.1.1", // Digital X-Ray (processing)
	"1.2.840.10008.5.1.4.1.1.1.2",   // Digital Mammography (presentation)
	"1.2.840.10008.5.1.4.1.1.1.2.1", // Digital Mammography (processing)
	"1.2.840.10008.5.1.4.1.1.2",     // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1",   // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.4",     // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1",   // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1",   // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.7",     // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.12.1",  // X-Ray Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.20",    // Nuclear Medicine Image Storage
	"1.2.840.10008.5.1.4.1.1.128",   // PET Image Storage
	"1.2.840.10008.5.1.4.1.1.66",    // Raw Data Storage
	"1.2.840.10008.5.1.4.1.1.88.11", // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22", // Enhanced SR
}

// IsStorageSOPClass reports whether uid names a storage service. Anything
// under the 5.1.4.1.1 image-storage arc qualifies, so vendor-specific
// storage classes the list above misses are still accepted.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}
