package sqlite

const schema = `
-- Members: canonical identities keyed by email
CREATE TABLE IF NOT EXISTS members (
    member_id       TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    email           TEXT UNIQUE NOT NULL,
    github_username TEXT,
    lark_open_id    TEXT,
    role            TEXT NOT NULL DEFAULT 'member'
                    CHECK(role IN ('admin','manager','developer','designer','qa','member')),
    status          TEXT NOT NULL DEFAULT 'active'
                    CHECK(status IN ('active','inactive')),
    lark_tables     TEXT NOT NULL DEFAULT '[]',
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_members_email ON members(email);
CREATE INDEX IF NOT EXISTS idx_members_github ON members(github_username);
CREATE INDEX IF NOT EXISTS idx_members_lark ON members(lark_open_id);

-- Tasks: the local model of a work item
CREATE TABLE IF NOT EXISTS tasks (
    task_id             TEXT PRIMARY KEY,
    title               TEXT NOT NULL CHECK(length(title) > 0),
    body                TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'todo'
                        CHECK(status IN ('todo','in_progress','done','cancelled')),
    priority            TEXT NOT NULL DEFAULT 'medium'
                        CHECK(priority IN ('critical','high','medium','low')),
    source              TEXT NOT NULL DEFAULT 'intent'
                        CHECK(source IN ('intent','github_pull','lark_pull')),
    assignee_member_id  TEXT REFERENCES members(member_id),
    labels              TEXT NOT NULL DEFAULT '[]',
    target_table        TEXT,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_member_id);

-- Mappings: one row per task binding it to external objects
CREATE TABLE IF NOT EXISTS mappings (
    mapping_id          TEXT PRIMARY KEY,
    task_id             TEXT NOT NULL UNIQUE REFERENCES tasks(task_id) ON DELETE CASCADE,
    github_repo         TEXT,
    github_issue_number INTEGER,
    lark_app_token      TEXT,
    lark_table_id       TEXT,
    lark_record_id      TEXT,
    sync_status         TEXT NOT NULL DEFAULT 'pending'
                        CHECK(sync_status IN ('synced','pending','conflict','error')),
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL,
    UNIQUE(github_repo, github_issue_number),
    UNIQUE(lark_app_token, lark_table_id, lark_record_id)
);

CREATE INDEX IF NOT EXISTS idx_mappings_github ON mappings(github_repo, github_issue_number);
CREATE INDEX IF NOT EXISTS idx_mappings_lark ON mappings(lark_record_id);

-- Registered Bitable tables and their column maps
CREATE TABLE IF NOT EXISTS lark_tables_registry (
    registry_id     TEXT PRIMARY KEY,
    app_token       TEXT NOT NULL,
    table_id        TEXT NOT NULL,
    table_name      TEXT NOT NULL UNIQUE,
    field_mapping   TEXT NOT NULL DEFAULT '{}',
    is_default      INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    UNIQUE(app_token, table_id)
);

-- Outbox: durable intents to perform external side effects
CREATE TABLE IF NOT EXISTS outbox (
    event_id        TEXT PRIMARY KEY,
    event_type      TEXT NOT NULL,
    payload_json    TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending'
                    CHECK(status IN ('pending','processing','sent','failed','dead')),
    attempts        INTEGER NOT NULL DEFAULT 0,
    max_attempts    INTEGER NOT NULL DEFAULT 5,
    last_error      TEXT,
    not_before      DATETIME NOT NULL,
    claimed_at      DATETIME,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox(status, not_before, created_at);

-- Audit trail, append-only
CREATE TABLE IF NOT EXISTS sync_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    direction   TEXT NOT NULL,
    subject     TEXT NOT NULL,
    subject_id  TEXT,
    status      TEXT NOT NULL,
    message     TEXT,
    created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_log_subject ON sync_log(subject, subject_id);

-- Polling cursors, one row per external source
CREATE TABLE IF NOT EXISTS sync_state (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  DATETIME NOT NULL
);

-- Schema version bookkeeping for forward-only migrations
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL
);
`
