package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_definitions (
				name VARCHAR(128) PRIMARY KEY,
				description TEXT NOT NULL DEFAULT '',
				events JSONB NOT NULL,
				steps JSONB NOT NULL,
				registered_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE workflow_runs (
				id VARCHAR(64) PRIMARY KEY,
				workflow_name VARCHAR(128) NOT NULL,
				event VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'succeeded', 'failed', 'cancelled')),
				step_results JSONB NOT NULL DEFAULT '[]',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				error TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_workflow_runs_started_at ON workflow_runs(started_at DESC);
			CREATE INDEX idx_workflow_runs_workflow_name ON workflow_runs(workflow_name);
			CREATE INDEX idx_workflow_runs_status ON workflow_runs(status);
		`,
		2: `
			CREATE TABLE backup_records (
				id VARCHAR(64) PRIMARY KEY,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				source_path TEXT NOT NULL,
				storage_dir TEXT NOT NULL,
				location TEXT NOT NULL,
				size BIGINT NOT NULL,
				checksum VARCHAR(80) NOT NULL,
				head VARCHAR(64) NOT NULL DEFAULT '',
				dirty BOOLEAN NOT NULL DEFAULT false,
				excludes JSONB NOT NULL DEFAULT '[]',
				remote_key TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_backup_records_storage_dir ON backup_records(storage_dir, created_at DESC);

			CREATE TABLE backup_schedules (
				id VARCHAR(128) PRIMARY KEY,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
		3: `
			ALTER TABLE backup_records ADD COLUMN schedule_id VARCHAR(128) NOT NULL DEFAULT '';

			CREATE INDEX idx_backup_records_schedule_id ON backup_records(schedule_id) WHERE schedule_id <> '';
		`,
	}
}
