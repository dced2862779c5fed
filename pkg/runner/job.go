package runner

// Job mirrors ubl-runner-core's ExecutionJob: a unit of work dequeued and
// executed by one consumer under sandbox confinement.
type Job struct {
	JobID           string
	ContainerID     string
	TriggerLinkHash string
	JobType         string
	Payload         map[string]any
	Priority        int32
	CreatedAtNS     int64
	Retries         int32
}

func NewJob(jobID, containerID, triggerLinkHash, jobType string, priority int32, createdAtNS int64) *Job {
	return &Job{
		JobID:           jobID,
		ContainerID:     containerID,
		TriggerLinkHash: triggerLinkHash,
		JobType:         jobType,
		Payload:         make(map[string]any),
		Priority:        priority,
		CreatedAtNS:     createdAtNS,
	}
}

func (j *Job) AddPayload(key string, value any) {
	j.Payload[key] = value
}

func (j *Job) Retry() {
	j.Retries++
}
