// Package errorcode defines the update error codes shared by every component
// and reported upward to telemetry. Numeric values are an external contract
// and must not be renumbered.
package errorcode

import "strconv"

// Code is an update failure code. The high bits are reserved for
// SpecialFlags, which are ORed into a base code and must be masked off
// before the code is classified.
type Code int32

const (
	Success                                    Code = 0
	Error                                      Code = 1
	OmahaRequestError                          Code = 2
	OmahaResponseHandlerError                  Code = 3
	FilesystemCopierError                      Code = 4
	PostinstallRunnerError                     Code = 5
	PayloadMismatchedType                      Code = 6
	InstallDeviceOpenError                     Code = 7
	KernelDeviceOpenError                      Code = 8
	DownloadTransferError                      Code = 9
	PayloadHashMismatchError                   Code = 10
	PayloadSizeMismatchError                   Code = 11
	DownloadPayloadVerificationError           Code = 12
	DownloadNewPartitionInfoError              Code = 13
	DownloadWriteError                         Code = 14
	NewRootfsVerificationError                 Code = 15
	NewKernelVerificationError                 Code = 16
	SignedDeltaPayloadExpectedError            Code = 17
	DownloadPayloadPubKeyVerificationError     Code = 18
	PostinstallBootedFromFirmwareB             Code = 19
	DownloadStateInitializationError           Code = 20
	DownloadInvalidMetadataMagicString         Code = 21
	DownloadSignatureMissingInManifest         Code = 22
	DownloadManifestParseError                 Code = 23
	DownloadMetadataSignatureError             Code = 24
	DownloadMetadataSignatureVerificationError Code = 25
	DownloadMetadataSignatureMismatch          Code = 26
	DownloadOperationHashVerificationError     Code = 27
	DownloadOperationExecutionError            Code = 28
	DownloadOperationHashMismatch              Code = 29
	OmahaRequestEmptyResponseError             Code = 30
	OmahaRequestXMLParseError                  Code = 31
	DownloadInvalidMetadataSize                Code = 32
	DownloadInvalidMetadataSignature           Code = 33
	OmahaResponseInvalid                       Code = 34
	OmahaUpdateIgnoredPerPolicy                Code = 35
	OmahaUpdateDeferredPerPolicy               Code = 36
	OmahaErrorInHTTPResponse                   Code = 37
	DownloadOperationHashMissingError          Code = 38
	DownloadMetadataSignatureMissingError      Code = 39
	OmahaUpdateDeferredForBackoff              Code = 40
	PostinstallPowerwashError                  Code = 41
	UpdateCanceledByChannelChange              Code = 42
	PostinstallFirmwareRONotUpdatable          Code = 43
	UnsupportedMajorPayloadVersion             Code = 44
	UnsupportedMinorPayloadVersion             Code = 45
	OmahaRequestXMLHasEntityDecl               Code = 46
	FilesystemVerifierError                    Code = 47
	UserCanceled                               Code = 48
	NonCriticalUpdateInOOBE                    Code = 49
	OmahaUpdateIgnoredOverCellular             Code = 50
	PayloadTimestampError                      Code = 51
	UpdatedButNotActive                        Code = 52
	NoUpdate                                   Code = 53
	RollbackNotPossible                        Code = 54
	FirstActiveOmahaPingSentPersistenceError   Code = 55
	VerityCalculationError                     Code = 56
	InternalLibCurlError                       Code = 57
	UnresolvedHostError                        Code = 58
	UnresolvedHostRecovered                    Code = 59
	NotEnoughSpace                             Code = 60
	DeviceCorrupted                            Code = 61
	PackageExcludedFromUpdate                  Code = 62
	PostInstallMountError                      Code = 63
	OverlayfsenabledError                      Code = 64
	UpdateProcessing                           Code = 65
	UpdateAlreadyInstalled                     Code = 66

	// UmaReportedMax is one past the largest base code that is reported.
	UmaReportedMax Code = 67

	// OmahaRequestHTTPResponseBase is added to an HTTP status code to carry
	// it as a Code: OmahaRequestHTTPResponseBase + 404 means "HTTP 404".
	OmahaRequestHTTPResponseBase Code = 2000

	DevModeFlag      Code = -1 << 31
	ResumedFlag      Code = 1 << 30
	TestImageFlag    Code = 1 << 29
	TestOmahaUrlFlag Code = 1 << 28

	SpecialFlags = DevModeFlag | ResumedFlag | TestImageFlag | TestOmahaUrlFlag
)

// Base returns c with every special flag bit cleared.
func (c Code) Base() Code {
	return c &^ SpecialFlags
}

// Flags returns only the special flag bits of c.
func (c Code) Flags() Code {
	return c & SpecialFlags
}

// HTTPStatus reports the HTTP status encoded in c, if the masked code lies in
// the HTTP response sub-range.
func (c Code) HTTPStatus() (int, bool) {
	base := c.Base()
	if base < OmahaRequestHTTPResponseBase {
		return 0, false
	}
	return int(base - OmahaRequestHTTPResponseBase), true
}

// FromHTTPStatus encodes an HTTP status as a Code.
func FromHTTPStatus(status int) Code {
	return OmahaRequestHTTPResponseBase + Code(status)
}

var names = map[Code]string{
	Success:                                    "Success",
	Error:                                      "Error",
	OmahaRequestError:                          "OmahaRequestError",
	OmahaResponseHandlerError:                  "OmahaResponseHandlerError",
	FilesystemCopierError:                      "FilesystemCopierError",
	PostinstallRunnerError:                     "PostinstallRunnerError",
	PayloadMismatchedType:                      "PayloadMismatchedType",
	InstallDeviceOpenError:                     "InstallDeviceOpenError",
	KernelDeviceOpenError:                      "KernelDeviceOpenError",
	DownloadTransferError:                      "DownloadTransferError",
	PayloadHashMismatchError:                   "PayloadHashMismatchError",
	PayloadSizeMismatchError:                   "PayloadSizeMismatchError",
	DownloadPayloadVerificationError:           "DownloadPayloadVerificationError",
	DownloadNewPartitionInfoError:              "DownloadNewPartitionInfoError",
	DownloadWriteError:                         "DownloadWriteError",
	NewRootfsVerificationError:                 "NewRootfsVerificationError",
	NewKernelVerificationError:                 "NewKernelVerificationError",
	SignedDeltaPayloadExpectedError:            "SignedDeltaPayloadExpectedError",
	DownloadPayloadPubKeyVerificationError:     "DownloadPayloadPubKeyVerificationError",
	PostinstallBootedFromFirmwareB:             "PostinstallBootedFromFirmwareB",
	DownloadStateInitializationError:           "DownloadStateInitializationError",
	DownloadInvalidMetadataMagicString:         "DownloadInvalidMetadataMagicString",
	DownloadSignatureMissingInManifest:         "DownloadSignatureMissingInManifest",
	DownloadManifestParseError:                 "DownloadManifestParseError",
	DownloadMetadataSignatureError:             "DownloadMetadataSignatureError",
	DownloadMetadataSignatureVerificationError: "DownloadMetadataSignatureVerificationError",
	DownloadMetadataSignatureMismatch:          "DownloadMetadataSignatureMismatch",
	DownloadOperationHashVerificationError:     "DownloadOperationHashVerificationError",
	DownloadOperationExecutionError:            "DownloadOperationExecutionError",
	DownloadOperationHashMismatch:              "DownloadOperationHashMismatch",
	OmahaRequestEmptyResponseError:             "OmahaRequestEmptyResponseError",
	OmahaRequestXMLParseError:                  "OmahaRequestXMLParseError",
	DownloadInvalidMetadataSize:                "DownloadInvalidMetadataSize",
	DownloadInvalidMetadataSignature:           "DownloadInvalidMetadataSignature",
	OmahaResponseInvalid:                       "OmahaResponseInvalid",
	OmahaUpdateIgnoredPerPolicy:                "OmahaUpdateIgnoredPerPolicy",
	OmahaUpdateDeferredPerPolicy:               "OmahaUpdateDeferredPerPolicy",
	OmahaErrorInHTTPResponse:                   "OmahaErrorInHTTPResponse",
	DownloadOperationHashMissingError:          "DownloadOperationHashMissingError",
	DownloadMetadataSignatureMissingError:      "DownloadMetadataSignatureMissingError",
	OmahaUpdateDeferredForBackoff:              "OmahaUpdateDeferredForBackoff",
	PostinstallPowerwashError:                  "PostinstallPowerwashError",
	UpdateCanceledByChannelChange:              "UpdateCanceledByChannelChange",
	PostinstallFirmwareRONotUpdatable:          "PostinstallFirmwareRONotUpdatable",
	UnsupportedMajorPayloadVersion:             "UnsupportedMajorPayloadVersion",
	UnsupportedMinorPayloadVersion:             "UnsupportedMinorPayloadVersion",
	OmahaRequestXMLHasEntityDecl:               "OmahaRequestXMLHasEntityDecl",
	FilesystemVerifierError:                    "FilesystemVerifierError",
	UserCanceled:                               "UserCanceled",
	NonCriticalUpdateInOOBE:                    "NonCriticalUpdateInOOBE",
	OmahaUpdateIgnoredOverCellular:             "OmahaUpdateIgnoredOverCellular",
	PayloadTimestampError:                      "PayloadTimestampError",
	UpdatedButNotActive:                        "UpdatedButNotActive",
	NoUpdate:                                   "NoUpdate",
	RollbackNotPossible:                        "RollbackNotPossible",
	FirstActiveOmahaPingSentPersistenceError:   "FirstActiveOmahaPingSentPersistenceError",
	VerityCalculationError:                     "VerityCalculationError",
	InternalLibCurlError:                       "InternalLibCurlError",
	UnresolvedHostError:                        "UnresolvedHostError",
	UnresolvedHostRecovered:                    "UnresolvedHostRecovered",
	NotEnoughSpace:                             "NotEnoughSpace",
	DeviceCorrupted:                            "DeviceCorrupted",
	PackageExcludedFromUpdate:                  "PackageExcludedFromUpdate",
	PostInstallMountError:                      "PostInstallMountError",
	OverlayfsenabledError:                      "OverlayfsenabledError",
	UpdateProcessing:                           "UpdateProcessing",
	UpdateAlreadyInstalled:                     "UpdateAlreadyInstalled",
	UmaReportedMax:                             "UmaReportedMax",
	OmahaRequestHTTPResponseBase:               "OmahaRequestHTTPResponseBase",
	DevModeFlag:                                "DevModeFlag",
	ResumedFlag:                                "ResumedFlag",
	TestImageFlag:                              "TestImageFlag",
	TestOmahaUrlFlag:                           "TestOmahaUrlFlag",
	SpecialFlags:                               "SpecialFlags",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	if status, ok := c.HTTPStatus(); ok && c.Flags() == 0 {
		return "OmahaRequestHTTPResponseBase+" + strconv.Itoa(status)
	}
	if c.Flags() != 0 {
		return c.Base().String() + "|flags(0x" + strconv.FormatUint(uint64(uint32(c.Flags())), 16) + ")"
	}
	return "Code(" + strconv.Itoa(int(c)) + ")"
}
