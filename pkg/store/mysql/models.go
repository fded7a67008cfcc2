package mysql

import "atelier/pkg/store/mysql/model"

// Re-export model types so repositories and callers read naturally without
// the extra package qualifier.

type (
	// Database models
	Job      = model.Job
	JobEvent = model.JobEvent

	// Custom JSON column types
	JSONStringArray = model.JSONStringArray
	JSONIntMap      = model.JSONIntMap
)
