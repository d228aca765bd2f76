package msc

import "time"

// USB Mass Storage Class codes.
const (
	ClassMSC = 0x08 // Mass Storage Class
)

// MSC Subclass codes.
const (
	SubclassRBC  = 0x01 // Reduced Block Commands
	SubclassMMC5 = 0x02 // Multi-Media Commands (CD/DVD)
	SubclassUFI  = 0x04 // USB Floppy Interface
	SubclassSFF  = 0x05 // SFF-8070i
	SubclassSCSI = 0x06 // SCSI Transparent Command Set
)

// MSC Protocol codes.
const (
	ProtocolCBI      = 0x00 // Control/Bulk/Interrupt
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport (BOT)
	ProtocolUAS      = 0x62 // USB Attached SCSI
)

// Bulk-Only Transport class request codes.
const (
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the MSC device
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWMaxCDB      = 16         // Largest command block a CBW carries
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS" signature
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusGood       = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed (CHECK CONDITION)
	CSWStatusPhaseError = 0x02       // Phase error occurred
)

// SCSI operation codes used by the host.
const (
	SCSITestUnitReady  = 0x00
	SCSIRequestSense   = 0x03
	SCSIInquiry        = 0x12
	SCSIReadCapacity10 = 0x25
	SCSIRead10         = 0x28
	SCSIWrite10        = 0x2A
)

// Command block lengths.
const (
	CDBLen6  = 6
	CDBLen10 = 10
	CDBLen12 = 12
)

// Response sizes.
const (
	InquiryStandardSize = 36 // Standard INQUIRY data length
	ReadCapacity10Size  = 8  // READ CAPACITY (10) data length
	SenseDataSize       = 18 // Fixed-format sense data length
)

// INQUIRY flags.
const (
	InquiryRMB = 0x80 // Removable media bit
)

// MaxLUNs is the largest number of logical units a BOT device may expose.
const MaxLUNs = 16

// MaxTransferBlocks is the largest block count a READ(10)/WRITE(10) CDB can
// encode.
const MaxTransferBlocks = 0xFFFF

// Defaults for Config.
const (
	DefaultLockTimeout  = 5 * time.Second
	DefaultIORetries    = 10
	DefaultPollStagger  = 100 * time.Millisecond
	DefaultRunPeriod    = 5 * time.Millisecond
	DefaultExposedName  = "Usb0"
	lunNameSuffixFormat = "%sL%d"
)
