package common

type contextKey string

const (
	TraceIdKey  contextKey = "trace_id"
	ClientIPKey contextKey = "client_ip"
)
