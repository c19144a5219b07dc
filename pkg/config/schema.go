package config

// schemaSource constrains configuration documents before they are decoded.
// Telemetry sections stay open because the telemetry package validates them.
const schemaSource = `
#Duration: string | int

#Config: {
	telemetry?: {
		service_name?:    string & !=""
		service_version?: string & !=""
		environment?:     string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			...
		}
		tracing?: {
			enabled?:        bool
			exporter?:       "otlp" | "stdout" | "none"
			sampling_rate?:  number & >=0 & <=1
			export_timeout?: #Duration
			...
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			...
		}
		events?: {
			enabled?:        bool
			buffer_size?:    int & >0
			flush_interval?: #Duration
			...
		}
		...
	}

	store?: {
		enabled?: bool
		sqlite?: {
			path?:              string & !=""
			max_open_conns?:    int & >=0
			max_idle_conns?:    int & >=0
			conn_max_lifetime?: #Duration
		}
		record_steps?:   bool
		persist_events?: bool
		event_level?:    "info" | "warning" | "error"
		retention?:      #Duration
	}

	engine?: {
		label_policy?: "lenient" | "strict"
		queue?:        "serial" | "goroutine"
		timeout?:      #Duration
		expr_timeout?: #Duration
		max_steps?:    int & >=0
	}

	scripts?: {
		paths?:    [...string]
		watch?:    bool
		debounce?: #Duration
	}

	policy?: {
		enabled?:   bool
		paths?:     [...string]
		disabled?:  [...string]
		max_wait?:  #Duration
		max_depth?: int & >=0
	}

	variables?: {[=~"^[A-Za-z_][A-Za-z0-9_]*$"]: _}
}
`
