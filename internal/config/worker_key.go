package config

type WorkerKeyStruct struct {
	PersistTelemetryQueue string
	ResultReadyQueue      string
}

var WorkerKey = &WorkerKeyStruct{
	PersistTelemetryQueue: "persist_telemetry_queue",
	ResultReadyQueue:      "result_ready_queue",
}
