package dispatch

// PayloadVersion is the newest task payload shape this build produces.
const PayloadVersion = 2

// Parameter names a runner may declare.
const (
	ParamMode      = "mode"
	ParamStartDate = "start_date"
	ParamEndDate   = "end_date"
	ParamJobID     = "job_id"
)

// TaskPayload is what gets queued. Version 1 payloads carry only mode and
// dates; version 2 added the job id.
type TaskPayload struct {
	Version   int    `json:"version"`
	Mode      string `json:"mode"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

func NewTaskPayload(mode, startDate, endDate, jobID string) TaskPayload {
	return TaskPayload{
		Version:   PayloadVersion,
		Mode:      mode,
		StartDate: startDate,
		EndDate:   endDate,
		JobID:     jobID,
	}
}

// only keeps the fields named in params.
func (p TaskPayload) only(params []string) TaskPayload {
	out := TaskPayload{Version: p.Version}
	for _, name := range params {
		switch name {
		case ParamMode:
			out.Mode = p.Mode
		case ParamStartDate:
			out.StartDate = p.StartDate
		case ParamEndDate:
			out.EndDate = p.EndDate
		case ParamJobID:
			out.JobID = p.JobID
		}
	}
	return out
}

// positional is the minimal version 1 call: mode and dates only.
func (p TaskPayload) positional() TaskPayload {
	return TaskPayload{Version: 1, Mode: p.Mode, StartDate: p.StartDate, EndDate: p.EndDate}
}
