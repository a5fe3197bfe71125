package config

import "time"

const (
	defaultGRPCAddress    = ":56100"
	defaultMaxRecvMsgSize = 4 * 1024 * 1024
	defaultRPCTimeout     = 30 * time.Second

	defaultHTTPAddress = ":56180"
	defaultHTTPTimeout = time.Minute
	defaultMaxBodySize = 1024 * 1024

	defaultPrometheusAddress = ":56190"

	// threadsNumEnv overrides the worker count when the config leaves it unset.
	threadsNumEnv = "CALCULATOR_THREAD_NUM"
)
