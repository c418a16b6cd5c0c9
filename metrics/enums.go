// Package metrics classifies update outcomes into the telemetry taxonomy and
// derives the persisted timing and counter metrics of an update attempt.
//
// The numeric values of every enumeration here are reported upstream and
// must not change.
package metrics

import "strconv"

// AttemptResult is the outcome bucket of one update attempt.
type AttemptResult int

const (
	AttemptUpdateSucceeded AttemptResult = iota
	AttemptInternalError
	AttemptPayloadDownloadError
	AttemptMetadataMalformed
	AttemptOperationMalformed
	AttemptOperationExecutionError
	AttemptMetadataVerificationFailed
	AttemptPayloadVerificationFailed
	AttemptVerificationFailed
	AttemptPostInstallFailed
	AttemptAbnormalTermination
	AttemptUpdateCanceled
	AttemptUpdateSucceededNotActive
	AttemptUpdateSkipped

	NumAttemptResults
)

var attemptResultNames = [...]string{
	"UpdateSucceeded",
	"InternalError",
	"PayloadDownloadError",
	"MetadataMalformed",
	"OperationMalformed",
	"OperationExecutionError",
	"MetadataVerificationFailed",
	"PayloadVerificationFailed",
	"VerificationFailed",
	"PostInstallFailed",
	"AbnormalTermination",
	"UpdateCanceled",
	"UpdateSucceededNotActive",
	"UpdateSkipped",
}

func (r AttemptResult) String() string {
	if r >= 0 && int(r) < len(attemptResultNames) {
		return attemptResultNames[r]
	}
	return "AttemptResult(" + strconv.Itoa(int(r)) + ")"
}

// DownloadErrorCode classifies a failed payload download. Values
// DownloadHTTPStatus200 through DownloadHTTPStatus200+399 carry the HTTP
// status 200..599.
type DownloadErrorCode int

const (
	DownloadError                   DownloadErrorCode = 0
	DownloadUnresolvedHostRecovered DownloadErrorCode = 97
	DownloadUnresolvedHostError     DownloadErrorCode = 98
	DownloadInternalLibCurlError    DownloadErrorCode = 99
	DownloadInputMalformed          DownloadErrorCode = 100
	DownloadHTTPStatusOther         DownloadErrorCode = 101
	DownloadHTTPStatus200           DownloadErrorCode = 200

	NumDownloadErrorCodes DownloadErrorCode = 600
)

// HTTPStatus reports the HTTP status carried by c.
func (c DownloadErrorCode) HTTPStatus() (int, bool) {
	if c >= DownloadHTTPStatus200 && c < NumDownloadErrorCodes {
		return int(c-DownloadHTTPStatus200) + 200, true
	}
	return 0, false
}

func (c DownloadErrorCode) String() string {
	switch c {
	case DownloadError:
		return "DownloadError"
	case DownloadUnresolvedHostRecovered:
		return "UnresolvedHostRecovered"
	case DownloadUnresolvedHostError:
		return "UnresolvedHostError"
	case DownloadInternalLibCurlError:
		return "InternalLibCurlError"
	case DownloadInputMalformed:
		return "InputMalformed"
	case DownloadHTTPStatusOther:
		return "HttpStatusOther"
	}
	if status, ok := c.HTTPStatus(); ok {
		return "HttpStatus" + strconv.Itoa(status)
	}
	return "DownloadErrorCode(" + strconv.Itoa(int(c)) + ")"
}

// ConnectionType is the reported network type, tethering folded in.
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionEthernet
	ConnectionWifi
	ConnectionWimax
	ConnectionBluetooth
	ConnectionCellular
	ConnectionTetheredEthernet
	ConnectionTetheredWifi
	ConnectionDisconnected

	NumConnectionTypes
)

var connectionTypeNames = [...]string{
	"Unknown",
	"Ethernet",
	"Wifi",
	"Wimax",
	"Bluetooth",
	"Cellular",
	"TetheredEthernet",
	"TetheredWifi",
	"Disconnected",
}

func (c ConnectionType) String() string {
	if c >= 0 && int(c) < len(connectionTypeNames) {
		return connectionTypeNames[c]
	}
	return "ConnectionType(" + strconv.Itoa(int(c)) + ")"
}

// NetworkType is the connection type as seen by the connection manager.
type NetworkType int

const (
	NetworkDisconnected NetworkType = iota
	NetworkEthernet
	NetworkWifi
	NetworkCellular
	NetworkUnknown
)

// Tethering is the connection manager's tethering verdict.
type Tethering int

const (
	TetheringNotDetected Tethering = iota
	TetheringSuspected
	TetheringConfirmed
	TetheringUnknown
)
