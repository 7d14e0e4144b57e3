package types

// RepositoryIndexEntry describes one model known to the repository,
// loaded or not. State is empty for models that were never loaded.
type RepositoryIndexEntry struct {
	// Model name, namespace-qualified when namespacing is enabled.
	// example: densenet_onnx
	Name string `json:"name"`
	// Namespace derived from the repository root, empty when namespacing is disabled.
	Namespace string `json:"namespace,omitempty"`
	// Version as a string, empty when the entry summarizes the whole model.
	Version string `json:"version,omitempty"`
	// One of "", "READY", "UNAVAILABLE", "UNLOADING".
	State string `json:"state,omitempty"`
	// Human-readable reason when State is UNAVAILABLE.
	Reason string `json:"reason,omitempty"`
}

// RepositoryIndexResponse wraps POST /v2/repository/index.
type RepositoryIndexResponse struct {
	Models []RepositoryIndexEntry `json:"models"`
}

// TensorMetadata describes one model input or output.
type TensorMetadata struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

// ModelMetadata is returned by GET /v2/models/{name}.
type ModelMetadata struct {
	Name     string           `json:"name"`
	Platform string           `json:"platform"`
	Versions []string         `json:"versions"`
	Inputs   []TensorMetadata `json:"inputs"`
	Outputs  []TensorMetadata `json:"outputs"`
}

// ModelVersionStats carries per-version inference counters.
type ModelVersionStats struct {
	Version string `json:"version"`
	// Count of inferences answered successfully since the version became ready.
	SuccessCount uint64 `json:"success_count"`
	// Count of inferences that failed in the backend.
	FailureCount uint64 `json:"failure_count"`
}

// ModelStatsResponse wraps GET /v2/models/{name}/stats.
type ModelStatsResponse struct {
	Name     string              `json:"name"`
	Versions []ModelVersionStats `json:"versions"`
}

// UnloadRequest is the optional body of POST /v2/repository/models/{name}/unload.
type UnloadRequest struct {
	// When true the unload cascades to composing models that no other
	// loaded model depends on.
	UnloadDependents bool `json:"unload_dependents,omitempty"`
}

// InferTensor is one named tensor in an inference request or response.
type InferTensor struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype,omitempty"`
	Shape    []int64 `json:"shape,omitempty"`
	Data     []any   `json:"data"`
}

// InferRequest is the body of POST /v2/models/{name}/infer.
type InferRequest struct {
	// Optional client-chosen request identifier, echoed back.
	ID     string        `json:"id,omitempty"`
	Inputs []InferTensor `json:"inputs"`
}

// InferResponse is the reply to a successful inference.
type InferResponse struct {
	ID           string        `json:"id,omitempty"`
	ModelName    string        `json:"model_name"`
	ModelVersion string        `json:"model_version"`
	Outputs      []InferTensor `json:"outputs"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: Request for unknown model: 'resnet' has no available versions
	Error string `json:"error"`
	// HTTP status code.
	// example: 400
	Code int `json:"code"`
}
