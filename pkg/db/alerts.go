package db

// Alert records written by the persistence recorder. Signals themselves are not stored.
const (
	InsertPartialFailureSQL = `INSERT INTO partial_failures
        (action, failed_leg, cause, detail, created_at) VALUES (?, ?, ?, ?, ?)`
	InsertDriftSQL = `INSERT INTO exposure_drift
        (pair, alor_qty, ctrader_qty, drift, created_at) VALUES (?, ?, ?, ?, ?)`
)
