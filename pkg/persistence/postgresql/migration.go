package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE task_status (
				task_id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				agent VARCHAR(255) NOT NULL,
				task_type VARCHAR(64) NOT NULL DEFAULT '',
				step INT,
				total_steps INT,
				priority VARCHAR(16) NOT NULL DEFAULT '',
				payload JSONB,
				status VARCHAR(32) NOT NULL CHECK (status IN ('PENDING', 'IN_PROGRESS', 'COMPLETED', 'FAILED')),
				start_time TIMESTAMP WITH TIME ZONE NOT NULL,
				end_time TIMESTAMP WITH TIME ZONE,
				result JSONB,
				error TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_task_status_workflow_id ON task_status(workflow_id);
			CREATE INDEX idx_task_status_status ON task_status(status);

			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				status VARCHAR(32) NOT NULL CHECK (status IN ('PENDING', 'COMPLETED')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);
		`,
		2: `
			CREATE TABLE workflow_step_claims (
				workflow_id VARCHAR(255) NOT NULL,
				step INT NOT NULL CHECK (step > 0),
				claimed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, step)
			);
		`,
	}
}
