// Package localstore is the durable, partitioned read cache of domain records.
package localstore

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cached_records (
	partition  TEXT NOT NULL,
	id         TEXT NOT NULL,
	store_id   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL DEFAULT '{}',
	checksum   TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (partition, id)
);

CREATE INDEX IF NOT EXISTS idx_records_store    ON cached_records(partition, store_id);
CREATE INDEX IF NOT EXISTS idx_records_status   ON cached_records(partition, status);
CREATE INDEX IF NOT EXISTS idx_records_category ON cached_records(partition, category);

CREATE TABLE IF NOT EXISTS cache_meta (
	partition    TEXT PRIMARY KEY,
	refreshed_at DATETIME NOT NULL
);
`

const selectCols = `id, store_id, status, category, payload, checksum, updated_at`
