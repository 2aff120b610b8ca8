package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflows and their graph
			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				version INTEGER NOT NULL DEFAULT 1,
				partner_api_id UUID,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_is_active ON workflows(is_active) WHERE deleted_at IS NULL;
			CREATE INDEX idx_workflows_partner_api_id ON workflows(partner_api_id);

			CREATE TABLE workflow_nodes (
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL CHECK (node_type IN ('trigger', 'filter_service', 'http_action', 'branch', 'end')),
				name VARCHAR(255) NOT NULL DEFAULT '',
				config JSONB NOT NULL DEFAULT '{}',
				position_x DOUBLE PRECISION NOT NULL DEFAULT 0,
				position_y DOUBLE PRECISION NOT NULL DEFAULT 0,
				sort_order INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			CREATE INDEX idx_workflow_nodes_partner ON workflow_nodes ((config->>'partner_api_id')) WHERE node_type = 'http_action';

			CREATE TABLE workflow_edges (
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				source_node_id VARCHAR(255) NOT NULL,
				target_node_id VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'default' CHECK (status IN ('success', 'error', 'duplicate', 'default')),
				sort_order INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			-- Partner endpoints
			CREATE TABLE partner_apis (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				endpoint_url TEXT NOT NULL,
				http_method VARCHAR(10) NOT NULL DEFAULT 'POST' CHECK (http_method IN ('GET', 'POST', 'PUT', 'PATCH')),
				auth_method VARCHAR(20) NOT NULL DEFAULT 'api_key' CHECK (auth_method IN ('api_key', 'bearer', 'basic', 'custom_header', 'none')),
				auth_config TEXT NOT NULL DEFAULT '',
				signing_secret TEXT NOT NULL DEFAULT '',
				headers JSONB NOT NULL DEFAULT '{}',
				service_types TEXT[] NOT NULL DEFAULT '{}',
				timeout_ms INTEGER NOT NULL DEFAULT 10000,
				retry_count INTEGER NOT NULL DEFAULT 3,
				notes TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				success_count BIGINT NOT NULL DEFAULT 0,
				failure_count BIGINT NOT NULL DEFAULT 0,
				last_success_at TIMESTAMP WITH TIME ZONE,
				last_failure_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_partner_apis_is_active ON partner_apis(is_active);

			-- Distribution ledger. Rows outlive their partner, so no foreign key.
			CREATE TABLE distribution_logs (
				id UUID PRIMARY KEY,
				submission_id VARCHAR(255) NOT NULL,
				partner_api_id UUID NOT NULL,
				workflow_id UUID,
				node_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'retrying', 'success', 'failed')),
				target_url TEXT NOT NULL,
				http_method VARCHAR(10) NOT NULL,
				payload JSONB,
				service_type VARCHAR(100) NOT NULL DEFAULT '',
				customer_name VARCHAR(255) NOT NULL DEFAULT '',
				customer_email VARCHAR(255) NOT NULL DEFAULT '',
				response_status INTEGER,
				response_body TEXT NOT NULL DEFAULT '',
				latency_ms BIGINT,
				error_message TEXT NOT NULL DEFAULT '',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				is_test BOOLEAN NOT NULL DEFAULT FALSE,
				lease_owner VARCHAR(255) NOT NULL DEFAULT '',
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- At most one in-flight row per pair
			CREATE UNIQUE INDEX idx_distribution_logs_in_flight
				ON distribution_logs(submission_id, partner_api_id, is_test)
				WHERE status IN ('pending', 'retrying');

			CREATE INDEX idx_distribution_logs_pair ON distribution_logs(submission_id, partner_api_id, is_test, created_at DESC);
			CREATE INDEX idx_distribution_logs_partner ON distribution_logs(partner_api_id, created_at DESC);
			CREATE INDEX idx_distribution_logs_status ON distribution_logs(status);
			CREATE INDEX idx_distribution_logs_created_at ON distribution_logs(created_at DESC);
			CREATE INDEX idx_distribution_logs_lease ON distribution_logs(lease_expires_at) WHERE status IN ('pending', 'retrying');
		`,
	}
}
