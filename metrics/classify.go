package metrics

import (
	"log/slog"

	"github.com/ankur-anand/otaengine/errorcode"
)

// GetAttemptResult maps code, with its special flags masked off, to the
// outcome bucket of an update attempt. Unexpected codes are logged and
// reported as AttemptInternalError.
func GetAttemptResult(code errorcode.Code) AttemptResult {
	base := code.Base()

	switch base {
	case errorcode.Success:
		return AttemptUpdateSucceeded

	case errorcode.UpdatedButNotActive:
		return AttemptUpdateSucceededNotActive

	case errorcode.DownloadTransferError,
		errorcode.InternalLibCurlError,
		errorcode.UnresolvedHostError,
		errorcode.UnresolvedHostRecovered:
		return AttemptPayloadDownloadError

	case errorcode.DownloadInvalidMetadataSize,
		errorcode.DownloadInvalidMetadataMagicString,
		errorcode.DownloadMetadataSignatureError,
		errorcode.DownloadMetadataSignatureVerificationError,
		errorcode.PayloadMismatchedType,
		errorcode.UnsupportedMajorPayloadVersion,
		errorcode.UnsupportedMinorPayloadVersion,
		errorcode.DownloadNewPartitionInfoError,
		errorcode.DownloadSignatureMissingInManifest,
		errorcode.DownloadManifestParseError,
		errorcode.DownloadOperationHashMissingError:
		return AttemptMetadataMalformed

	case errorcode.DownloadOperationHashMismatch,
		errorcode.DownloadOperationHashVerificationError:
		return AttemptOperationMalformed

	case errorcode.DownloadOperationExecutionError,
		errorcode.InstallDeviceOpenError,
		errorcode.KernelDeviceOpenError,
		errorcode.DownloadWriteError,
		errorcode.FilesystemCopierError,
		errorcode.FilesystemVerifierError,
		errorcode.VerityCalculationError,
		errorcode.NotEnoughSpace,
		errorcode.DeviceCorrupted,
		errorcode.OverlayfsenabledError:
		return AttemptOperationExecutionError

	case errorcode.DownloadMetadataSignatureMismatch:
		return AttemptMetadataVerificationFailed

	case errorcode.PayloadSizeMismatchError,
		errorcode.PayloadHashMismatchError,
		errorcode.DownloadPayloadVerificationError,
		errorcode.SignedDeltaPayloadExpectedError,
		errorcode.DownloadPayloadPubKeyVerificationError,
		errorcode.PayloadTimestampError:
		return AttemptPayloadVerificationFailed

	case errorcode.NewRootfsVerificationError,
		errorcode.NewKernelVerificationError,
		errorcode.RollbackNotPossible:
		return AttemptVerificationFailed

	case errorcode.PostinstallRunnerError,
		errorcode.PostinstallBootedFromFirmwareB,
		errorcode.PostinstallFirmwareRONotUpdatable,
		errorcode.PostInstallMountError:
		return AttemptPostInstallFailed

	case errorcode.UserCanceled:
		return AttemptUpdateCanceled

	// Not expected while applying an update.
	case errorcode.Error,
		errorcode.OmahaRequestXMLParseError,
		errorcode.OmahaRequestError,
		errorcode.OmahaResponseHandlerError,
		errorcode.DownloadStateInitializationError,
		errorcode.OmahaRequestEmptyResponseError,
		errorcode.DownloadInvalidMetadataSignature,
		errorcode.OmahaResponseInvalid,
		errorcode.OmahaUpdateIgnoredPerPolicy,
		errorcode.OmahaErrorInHTTPResponse,
		errorcode.DownloadMetadataSignatureMissingError,
		errorcode.OmahaUpdateDeferredForBackoff,
		errorcode.PostinstallPowerwashError,
		errorcode.UpdateCanceledByChannelChange,
		errorcode.OmahaRequestXMLHasEntityDecl,
		errorcode.OmahaUpdateIgnoredOverCellular,
		errorcode.NoUpdate,
		errorcode.FirstActiveOmahaPingSentPersistenceError,
		errorcode.PackageExcludedFromUpdate:
		return AttemptInternalError

	case errorcode.OmahaUpdateDeferredPerPolicy,
		errorcode.NonCriticalUpdateInOOBE:
		return AttemptUpdateSkipped
	}

	slog.Error("otaengine: unexpected error code", "code", base, "value", int32(base))
	return AttemptInternalError
}

// GetDownloadErrorCode maps code, with its special flags masked off, to a
// download error. HTTP statuses 200..599 are carried through, status 0 means
// no status could be read, and codes unrelated to downloading are
// DownloadInputMalformed.
func GetDownloadErrorCode(code errorcode.Code) DownloadErrorCode {
	base := code.Base()

	if status, ok := base.HTTPStatus(); ok {
		switch {
		case status >= 200 && status <= 599:
			return DownloadHTTPStatus200 + DownloadErrorCode(status-200)
		case status == 0:
			return DownloadError
		}
		slog.Warn("otaengine: unexpected HTTP status code", "status", status)
		return DownloadHTTPStatusOther
	}

	switch base {
	// Transfer errors cover proxy failures, unreachable hosts and timeouts
	// alike.
	case errorcode.DownloadTransferError:
		return DownloadError
	case errorcode.InternalLibCurlError:
		return DownloadInternalLibCurlError
	case errorcode.UnresolvedHostError:
		return DownloadUnresolvedHostError
	case errorcode.UnresolvedHostRecovered:
		return DownloadUnresolvedHostRecovered

	case errorcode.UmaReportedMax,
		errorcode.OmahaRequestHTTPResponseBase,
		errorcode.DevModeFlag,
		errorcode.ResumedFlag,
		errorcode.TestImageFlag,
		errorcode.TestOmahaUrlFlag,
		errorcode.SpecialFlags:
		slog.Error("otaengine: unexpected error code", "code", base, "value", int32(base))
	}

	return DownloadInputMalformed
}

// GetConnectionType folds a confirmed tether into the Ethernet and WiFi
// buckets. Unrecognized types are logged and reported as unknown.
func GetConnectionType(network NetworkType, tethering Tethering) ConnectionType {
	switch network {
	case NetworkUnknown:
		return ConnectionUnknown

	case NetworkDisconnected:
		return ConnectionDisconnected

	case NetworkEthernet:
		if tethering == TetheringConfirmed {
			return ConnectionTetheredEthernet
		}
		return ConnectionEthernet

	case NetworkWifi:
		if tethering == TetheringConfirmed {
			return ConnectionTetheredWifi
		}
		return ConnectionWifi

	case NetworkCellular:
		return ConnectionCellular
	}

	slog.Error("otaengine: unexpected network connection type",
		"type", int(network), "tethering", int(tethering))
	return ConnectionUnknown
}
