package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"
	MJobsProcessed           MetricKey = "jobs_processed_total"
	MJobDuration             MetricKey = "job_duration_seconds"
	MGatewayEvents           MetricKey = "gateway_events_total"
)
