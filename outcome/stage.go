package outcome

// Stage names the processing stage a failure was reported from. Stages are
// produced by the content-processing collaborator and retained for operator
// diagnostics; they never drive control flow here.
type Stage string

const (
	StageSubmit    Stage = "submit"
	StageFetch     Stage = "fetch"
	StageTransform Stage = "transform"
	StageUpload    Stage = "upload"
)
