package registry

// The SQL below is shared by every Store backend. Parameters are numbered
// ?NNN so argument i always binds to index i, on database/sql and on raw
// sqlite statements alike.

const processSchema = `
CREATE TABLE IF NOT EXISTS processes (
	id TEXT PRIMARY KEY NOT NULL,
	status TEXT NOT NULL,
	host TEXT NOT NULL,
	command TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	cacheable INTEGER NOT NULL DEFAULT 0,
	retry INTEGER NOT NULL DEFAULT 0,
	network INTEGER NOT NULL DEFAULT 0,
	mounts TEXT NOT NULL DEFAULT '[]',
	stdin TEXT,
	stdout TEXT,
	stderr TEXT,
	children TEXT NOT NULL DEFAULT '[]',
	error TEXT,
	exit INTEGER,
	output TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	enqueued_at INTEGER,
	dequeued_at INTEGER,
	started_at INTEGER,
	finished_at INTEGER,
	heartbeat_at INTEGER,
	touched_at INTEGER,
	token_count INTEGER NOT NULL DEFAULT 0,
	remote TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_processes_queue ON processes(status, enqueued_at, id);
CREATE INDEX IF NOT EXISTS idx_processes_heartbeat ON processes(status, heartbeat_at);
CREATE INDEX IF NOT EXISTS idx_processes_command ON processes(command, host, checksum);

CREATE TABLE IF NOT EXISTS process_tokens (
	process TEXT NOT NULL,
	token TEXT NOT NULL,
	PRIMARY KEY (process, token)
);
`

const processColumns = `id, status, host, command, checksum, cacheable, retry, network, mounts,
	stdin, stdout, stderr, children, error, exit, output,
	created_at, enqueued_at, dequeued_at, started_at, finished_at, heartbeat_at, touched_at,
	token_count, remote`

const insertProcessSql = `
INSERT INTO processes (` + processColumns + `)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16,
	?17, ?18, ?19, ?20, ?21, ?22, ?23, ?24, ?25);
`

// Replicas never overwrite a record this server already has.
const replicateProcessSql = `
INSERT OR IGNORE INTO processes (` + processColumns + `)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16,
	?17, ?18, ?19, ?20, ?21, ?22, ?23, ?24, ?25);
`

const getProcessSql = `
SELECT ` + processColumns + ` FROM processes WHERE id = ?1;
`

const listProcessesSql = `
SELECT ` + processColumns + ` FROM processes
ORDER BY created_at DESC, id DESC
LIMIT ?1;
`

const listProcessesByStatusSql = `
SELECT ` + processColumns + ` FROM processes
WHERE status = ?1
ORDER BY created_at DESC, id DESC
LIMIT ?2;
`

const findReusableSql = `
SELECT ` + processColumns + ` FROM processes
WHERE command = ?1 AND host = ?2 AND checksum = ?3 AND cacheable = 1 AND remote = ''
	AND (status != 'finished' OR (error IS NULL AND exit = 0))
ORDER BY created_at DESC, id DESC
LIMIT 1;
`

const insertTokenSql = `
INSERT INTO process_tokens (process, token)
SELECT ?1, ?2 WHERE EXISTS (SELECT 1 FROM processes WHERE id = ?1 AND status != 'finished');
`

const incrementTokenCountSql = `
UPDATE processes SET token_count = token_count + 1 WHERE id = ?1;
`

const deleteTokenSql = `
DELETE FROM process_tokens WHERE process = ?1 AND token = ?2;
`

const decrementTokenCountSql = `
UPDATE processes SET token_count = MAX(token_count - 1, 0) WHERE id = ?1;
`

const appendChildSql = `
UPDATE processes SET children = json_insert(children, '$[#]', ?2)
WHERE id = ?1 AND status != 'finished';
`

const enqueueProcessSql = `
UPDATE processes SET status = 'enqueued', enqueued_at = ?2
WHERE id = ?1 AND status = 'created';
`

const startProcessSql = `
UPDATE processes SET status = 'started', started_at = ?2,
	heartbeat_at = MAX(COALESCE(heartbeat_at, 0), ?2)
WHERE id = ?1 AND status IN ('created', 'enqueued', 'dequeued');
`

const finishProcessSql = `
UPDATE processes SET status = 'finished', finished_at = ?2, exit = ?3, error = ?4, output = ?5
WHERE id = ?1 AND status = 'started';
`

const touchProcessSql = `
UPDATE processes SET touched_at = MAX(COALESCE(touched_at, 0), ?2) WHERE id = ?1;
`

// Claims the oldest enqueued process, or a dequeued one whose lease has
// run out. Both compete on their original enqueued_at.
const dequeueProcessSql = `
UPDATE processes SET status = 'dequeued', dequeued_at = ?1
WHERE id = (
	SELECT id FROM processes
	WHERE status = 'enqueued' OR (status = 'dequeued' AND dequeued_at < ?2)
	ORDER BY enqueued_at ASC, id ASC
	LIMIT 1
)
RETURNING id;
`

// A heartbeat on a started process stamps heartbeat_at; on a dequeued
// process it renews the lease.
const heartbeatProcessSql = `
UPDATE processes SET
	heartbeat_at = CASE WHEN status = 'started' THEN MAX(COALESCE(heartbeat_at, 0), ?2) ELSE heartbeat_at END,
	dequeued_at = CASE WHEN status = 'dequeued' THEN MAX(COALESCE(dequeued_at, 0), ?2) ELSE dequeued_at END
WHERE id = ?1
RETURNING status;
`

// Local processes nobody holds a token for any more.
const unwantedProcessesSql = `
SELECT id FROM processes
WHERE status != 'finished' AND token_count = 0 AND remote = ''
ORDER BY created_at ASC, id ASC
LIMIT ?1;
`

const staleProcessesSql = `
SELECT id FROM processes
WHERE status = 'started' AND COALESCE(heartbeat_at, started_at, 0) < ?1
ORDER BY heartbeat_at ASC
LIMIT ?2;
`
