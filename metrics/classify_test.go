package metrics

import (
	"testing"

	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/stretchr/testify/require"
)

func TestGetAttemptResult(t *testing.T) {
	tests := []struct {
		code errorcode.Code
		want AttemptResult
	}{
		{errorcode.Success, AttemptUpdateSucceeded},
		{errorcode.UpdatedButNotActive, AttemptUpdateSucceededNotActive},
		{errorcode.DownloadTransferError, AttemptPayloadDownloadError},
		{errorcode.UnresolvedHostRecovered, AttemptPayloadDownloadError},
		{errorcode.DownloadManifestParseError, AttemptMetadataMalformed},
		{errorcode.UnsupportedMinorPayloadVersion, AttemptMetadataMalformed},
		{errorcode.DownloadOperationHashMismatch, AttemptOperationMalformed},
		{errorcode.NotEnoughSpace, AttemptOperationExecutionError},
		{errorcode.DeviceCorrupted, AttemptOperationExecutionError},
		{errorcode.FilesystemVerifierError, AttemptOperationExecutionError},
		{errorcode.DownloadMetadataSignatureMismatch, AttemptMetadataVerificationFailed},
		{errorcode.PayloadTimestampError, AttemptPayloadVerificationFailed},
		{errorcode.RollbackNotPossible, AttemptVerificationFailed},
		{errorcode.PostInstallMountError, AttemptPostInstallFailed},
		{errorcode.UserCanceled, AttemptUpdateCanceled},
		{errorcode.OmahaUpdateDeferredPerPolicy, AttemptUpdateSkipped},
		{errorcode.NonCriticalUpdateInOOBE, AttemptUpdateSkipped},
		{errorcode.Error, AttemptInternalError},
		{errorcode.NoUpdate, AttemptInternalError},
		{errorcode.UpdateProcessing, AttemptInternalError},
		{errorcode.UpdateAlreadyInstalled, AttemptInternalError},
		{errorcode.UmaReportedMax, AttemptInternalError},
		{errorcode.FromHTTPStatus(404), AttemptInternalError},
		{errorcode.Code(5000), AttemptInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			require.Equal(t, tt.want, GetAttemptResult(tt.code))
		})
	}
}

func TestGetAttemptResultIgnoresSpecialFlags(t *testing.T) {
	flags := []errorcode.Code{
		errorcode.DevModeFlag,
		errorcode.ResumedFlag,
		errorcode.TestImageFlag,
		errorcode.TestOmahaUrlFlag,
		errorcode.SpecialFlags,
	}
	for code := errorcode.Success; code < errorcode.UmaReportedMax; code++ {
		want := GetAttemptResult(code)
		require.GreaterOrEqual(t, int(want), 0)
		require.Less(t, want, NumAttemptResults)
		for _, flag := range flags {
			require.Equal(t, want, GetAttemptResult(code|flag), "code %v flag %v", code, flag)
		}
	}
	// A bare flag masks to Success.
	require.Equal(t, AttemptUpdateSucceeded, GetAttemptResult(errorcode.ResumedFlag))
}

func TestGetDownloadErrorCodeHTTPStatus(t *testing.T) {
	for s := 200; s <= 599; s++ {
		got := GetDownloadErrorCode(errorcode.FromHTTPStatus(s))
		status, ok := got.HTTPStatus()
		require.True(t, ok, "status %d", s)
		require.Equal(t, s, status)
		require.Equal(t, got, GetDownloadErrorCode(errorcode.FromHTTPStatus(s)|errorcode.ResumedFlag))
	}
	require.Equal(t, DownloadHTTPStatus200, GetDownloadErrorCode(errorcode.FromHTTPStatus(200)))
	require.Equal(t, DownloadError, GetDownloadErrorCode(errorcode.FromHTTPStatus(0)))
	for _, s := range []int{1, 199, 600, 999, 12345} {
		require.Equal(t, DownloadHTTPStatusOther, GetDownloadErrorCode(errorcode.FromHTTPStatus(s)), "status %d", s)
	}
}

func TestGetDownloadErrorCode(t *testing.T) {
	tests := []struct {
		code errorcode.Code
		want DownloadErrorCode
	}{
		{errorcode.DownloadTransferError, DownloadError},
		{errorcode.InternalLibCurlError, DownloadInternalLibCurlError},
		{errorcode.UnresolvedHostError, DownloadUnresolvedHostError},
		{errorcode.UnresolvedHostRecovered, DownloadUnresolvedHostRecovered},
		{errorcode.Success, DownloadInputMalformed},
		{errorcode.NotEnoughSpace, DownloadInputMalformed},
		{errorcode.UmaReportedMax, DownloadInputMalformed},
		{errorcode.DownloadTransferError | errorcode.DevModeFlag, DownloadError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, GetDownloadErrorCode(tt.code), "code %v", tt.code)
	}
	require.Equal(t, DownloadErrorCode(97), DownloadUnresolvedHostRecovered)
	require.Equal(t, DownloadErrorCode(101), DownloadHTTPStatusOther)
}

func TestGetConnectionType(t *testing.T) {
	tests := []struct {
		network   NetworkType
		tethering Tethering
		want      ConnectionType
	}{
		{NetworkEthernet, TetheringConfirmed, ConnectionTetheredEthernet},
		{NetworkEthernet, TetheringSuspected, ConnectionEthernet},
		{NetworkEthernet, TetheringNotDetected, ConnectionEthernet},
		{NetworkWifi, TetheringConfirmed, ConnectionTetheredWifi},
		{NetworkWifi, TetheringUnknown, ConnectionWifi},
		{NetworkCellular, TetheringConfirmed, ConnectionCellular},
		{NetworkDisconnected, TetheringNotDetected, ConnectionDisconnected},
		{NetworkUnknown, TetheringConfirmed, ConnectionUnknown},
		{NetworkType(42), TetheringNotDetected, ConnectionUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, GetConnectionType(tt.network, tt.tethering), "%d/%d", tt.network, tt.tethering)
	}
	require.Equal(t, ConnectionType(6), ConnectionTetheredEthernet)
}
