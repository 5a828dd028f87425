package postgresql

// inFlightIndex is the partial unique index backing the single-flight
// invariant: at most one non-terminal execution per asset. Concurrent
// triggers racing past the application-level check collide here and one of
// them gets a unique violation.
const inFlightIndex = "idx_workflow_executions_asset_in_flight"

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Publishing orchestration core: assets, executions, destinations

			CREATE TABLE assets (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'in_review', 'scheduled', 'queued', 'publishing', 'published', 'failed', 'archived')),
				current_execution_id UUID,
				external_run_id VARCHAR(255) NOT NULL DEFAULT '',
				retry_count INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				published_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_assets_status ON assets(status);
			CREATE INDEX idx_assets_owner ON assets(owner);

			CREATE TABLE workflow_executions (
				id UUID PRIMARY KEY,
				asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
				workflow_kind VARCHAR(50) NOT NULL,
				external_run_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('started', 'running', 'completed', 'failed', 'cancelled')),
				input JSONB,
				output JSONB,
				error_detail TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT
			);

			CREATE INDEX idx_workflow_executions_asset_id ON workflow_executions(asset_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_external_run_id ON workflow_executions(external_run_id) WHERE external_run_id <> '';
			CREATE UNIQUE INDEX idx_workflow_executions_asset_in_flight ON workflow_executions(asset_id) WHERE status IN ('started', 'running');

			CREATE TABLE destinations (
				id VARCHAR(255) PRIMARY KEY,
				asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
				account_id VARCHAR(255) NOT NULL,
				platform VARCHAR(50) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'published', 'failed')),
				platform_post_id VARCHAR(255) NOT NULL DEFAULT '',
				publishing_attempts INT NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_destinations_asset_id ON destinations(asset_id);
			CREATE INDEX idx_destinations_status ON destinations(status);
		`,
	}
}
