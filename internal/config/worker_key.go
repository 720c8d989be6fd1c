package config

type WorkerKeyStruct struct {
	PersistViolationsQueue     string
	PersistResponseAuditsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue:     "persist_violations_queue",
	PersistResponseAuditsQueue: "persist_response_audits_queue",
}
