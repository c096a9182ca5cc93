// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

// Operation constants for queued actions
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Status constants for queued actions
const (
	StPending   = "pending"
	StCompleted = "completed"
)

// Remote endpoint paths, relative to the configured base URL
const (
	PathMigration     = "/migration"
	PathData          = "/data"
	PathQueueActions  = "/queue/actions"
	PathLastAction    = "/queue/actions/last"
	PathValidateHash  = "/validate/hashing"
	PathValidateData  = "/validate/data"
	PathEntityHashes  = "/entity/%s/hashes"
	HeaderActingAs    = "X-Acting-As"
	HeaderContentType = "Content-Type"
)

// Settings keys persisted by a SyncControlStore
const (
	SettingCheckpoint    = "checkpoint"
	SettingSchemaVersion = "schema_version"
	SettingSourceID      = "source_id"
	settingOperationPfx  = "operation:"
)

// OperationSettingKey returns the settings key holding the status of op.
func OperationSettingKey(op Operation) string {
	return settingOperationPfx + string(op)
}
