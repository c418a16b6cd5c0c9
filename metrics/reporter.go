package metrics

import (
	"time"

	"github.com/ankur-anand/otaengine/errorcode"
)

// Reporter is the metrics sink collaborator.
type Reporter interface {
	ReportTimeToReboot(minutes int64)
	ReportUpdateAttempt(attemptNumber int64, duration time.Duration, result AttemptResult, code errorcode.Code)
	ReportDownloadError(code DownloadErrorCode)
	ReportSuccessfulUpdate(attemptCount int64, rebootCount int64)
}

// NopReporter discards every report.
type NopReporter struct{}

var _ Reporter = NopReporter{}

func (NopReporter) ReportTimeToReboot(int64) {}
func (NopReporter) ReportUpdateAttempt(int64, time.Duration, AttemptResult, errorcode.Code) {}
func (NopReporter) ReportDownloadError(DownloadErrorCode) {}
func (NopReporter) ReportSuccessfulUpdate(int64, int64) {}
