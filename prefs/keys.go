package prefs

// Well-known keys shared by the engine components.
const (
	KeyNumReboots                      = "num-reboots"
	KeyPayloadAttemptNumber            = "payload-attempt-number"
	KeySystemUpdatedMarker             = "system-updated-marker"
	KeyUpdateTimestampStart            = "update-timestamp-start"
	KeyUpdateBootTimestampStart        = "update-boot-timestamp-start"
	KeyUpdateStateNextOperation        = "update-state-next-operation"
	KeyUpdateStateNextDataOffset       = "update-state-next-data-offset"
	KeyUpdateStateNextDataLength       = "update-state-next-data-length"
	KeyManifestMetadataSize            = "manifest-metadata-size"
	KeyManifestSignatureSize           = "manifest-signature-size"
	KeyResumedUpdateFailures           = "resumed-update-failures"
	KeyPostInstallSucceeded            = "post-install-succeeded"
	KeyDynamicPartitionMetadataUpdated = "dynamic-partition-metadata-updated"
	KeyUpdateCompletedOnBootID         = "update-completed-on-boot-id"
	KeyPowerwashRequired               = "powerwash-required"

	// Merge checkpoint, written in one transaction per merged chunk.
	KeyMergeStateNamespace = "merge-state"
	KeyMergeStatePartition = "merge-state/partition"
	KeyMergeStateCursor    = "merge-state/cursor"
	KeyMergeStatePhase     = "merge-state/phase"
	// KeyMergeStateChunk is the chunk size the merge started with.
	KeyMergeStateChunk = "merge-state/chunk"
)

// UpdateProgressKeys are cleared when an update attempt is abandoned.
var UpdateProgressKeys = []string{
	KeyNumReboots,
	KeyPayloadAttemptNumber,
	KeyUpdateTimestampStart,
	KeyUpdateBootTimestampStart,
	KeyUpdateStateNextOperation,
	KeyUpdateStateNextDataOffset,
	KeyUpdateStateNextDataLength,
	KeyManifestMetadataSize,
	KeyManifestSignatureSize,
	KeyResumedUpdateFailures,
	KeyPostInstallSucceeded,
	KeyDynamicPartitionMetadataUpdated,
	KeyUpdateCompletedOnBootID,
	KeyPowerwashRequired,
	KeyMergeStatePartition,
	KeyMergeStateCursor,
	KeyMergeStatePhase,
	KeyMergeStateChunk,
}
