package schema

const (
	MetaKind      = "kind"
	MetaTaskID    = "task_id"
	MetaHandlerID = "handler_id"
	MetaStage     = "stage"
	MetaPolicy    = "policy"
	MetaScope     = "scope"
)
