package sql

import (
	"embed"
)

// Migrations holds the schema DDL, applied in filename order.
//
//go:embed migrations/*.sql
var Migrations embed.FS

//go:embed queries/select_pending_rows.sql
var SelectPendingRows string

//go:embed queries/mark_rows_done.sql
var MarkRowsDone string

//go:embed queries/upsert_final_row.sql
var UpsertFinalRow string

//go:embed queries/insert_exclusion.sql
var InsertExclusion string

//go:embed queries/upsert_rule_ledger.sql
var UpsertRuleLedger string

//go:embed queries/advance_cursor.sql
var AdvanceCursor string

//go:embed queries/update_cursor.sql
var UpdateCursor string

//go:embed queries/batch_counts.sql
var BatchCounts string

//go:embed queries/select_final_rows.sql
var SelectFinalRows string

//go:embed queries/delete_staging_batch.sql
var DeleteStagingBatch string
