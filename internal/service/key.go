// Package service implements the conversation-state reconciliation core:
// storage key resolution, the conversation registry, the persisted history
// cache, the streaming response reducer and the controller that ties them
// together for each embed session.
package service

const (
	patientKeyInfix = "_patient_"
	recordKeyInfix  = "_record_"
)

// ResolveStorageKey derives the persistence key for one embedding context.
// With neither patientID nor recordType set it returns appID unchanged, so
// single-context deployments keep their historical keys. Otherwise the
// patient suffix always precedes the record-type suffix, keeping keys
// deterministic and greppable.
func ResolveStorageKey(appID, patientID, recordType string) string {
	if patientID == "" && recordType == "" {
		return appID
	}

	key := appID
	if patientID != "" {
		key += patientKeyInfix + patientID
	}
	if recordType != "" {
		key += recordKeyInfix + recordType
	}
	return key
}
