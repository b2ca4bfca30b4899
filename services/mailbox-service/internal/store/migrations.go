package store

import "strings"

type migration struct {
	version int
	ddl     []string
}

// statements renders the migration for a dialect; {{ts}} is the timestamp column type
func (m migration) statements(d dialect) []string {
	ts := "TIMESTAMPTZ"
	if d == dialectSQLite {
		ts = "DATETIME"
	}
	out := make([]string, len(m.ddl))
	for i, stmt := range m.ddl {
		out[i] = strings.ReplaceAll(stmt, "{{ts}}", ts)
	}
	return out
}

var migrations = []migration{
	{
		version: 1,
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS mailbox_connections (
				student_id TEXT PRIMARY KEY,
				provider TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('connected', 'expired', 'disconnected')),
				account_email TEXT NOT NULL DEFAULT '',
				access_token_enc TEXT,
				refresh_token_enc TEXT,
				token_expiry {{ts}},
				scope TEXT NOT NULL DEFAULT '',
				last_sync_at {{ts}},
				created_at {{ts}} NOT NULL,
				updated_at {{ts}} NOT NULL,
				CONSTRAINT connected_has_refresh_token
					CHECK (status <> 'connected' OR refresh_token_enc IS NOT NULL),
				CONSTRAINT disconnected_has_no_tokens
					CHECK (status <> 'disconnected' OR (access_token_enc IS NULL AND refresh_token_enc IS NULL AND token_expiry IS NULL))
			)`,

			`CREATE TABLE IF NOT EXISTS mirrored_messages (
				id TEXT PRIMARY KEY,
				student_id TEXT NOT NULL,
				provider_message_id TEXT NOT NULL,
				thread_id TEXT NOT NULL,
				rfc_message_id TEXT NOT NULL DEFAULT '',
				sender TEXT NOT NULL DEFAULT '',
				recipient TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				snippet TEXT NOT NULL DEFAULT '',
				body_html TEXT,
				labels TEXT NOT NULL DEFAULT '',
				provider_timestamp {{ts}} NOT NULL,
				created_at {{ts}} NOT NULL,
				updated_at {{ts}} NOT NULL,
				UNIQUE (student_id, provider_message_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_mirrored_messages_student_ts ON mirrored_messages(student_id, provider_timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_mirrored_messages_thread ON mirrored_messages(student_id, thread_id)`,

			`CREATE TABLE IF NOT EXISTS tags (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				color TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS message_tags (
				message_id TEXT NOT NULL REFERENCES mirrored_messages(id) ON DELETE CASCADE,
				tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
				PRIMARY KEY (message_id, tag_id)
			)`,

			`CREATE TABLE IF NOT EXISTS internal_notes (
				id TEXT PRIMARY KEY,
				message_id TEXT NOT NULL REFERENCES mirrored_messages(id) ON DELETE CASCADE,
				author TEXT NOT NULL,
				body TEXT NOT NULL,
				created_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_internal_notes_message ON internal_notes(message_id)`,

			`CREATE TABLE IF NOT EXISTS saved_filters (
				id TEXT PRIMARY KEY,
				student_id TEXT NOT NULL,
				name TEXT NOT NULL,
				sender_match TEXT NOT NULL,
				created_at {{ts}} NOT NULL,
				UNIQUE (student_id, name)
			)`,

			`CREATE TABLE IF NOT EXISTS audit_log (
				id TEXT PRIMARY KEY,
				actor TEXT NOT NULL,
				student_id TEXT NOT NULL,
				action TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_student ON audit_log(student_id, created_at)`,
		},
	},
}
