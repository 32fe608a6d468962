package domain

import "time"

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type TaskResponse struct {
	TaskID     string     `json:"task_id"`
	Status     State      `json:"status"`
	Progress   int        `json:"progress"`
	Filename   string     `json:"filename"`
	SizeBytes  int64      `json:"size_bytes"`
	Engine     string     `json:"engine"`
	BatchID    string     `json:"batch_id,omitempty"`
	Result     *Result    `json:"result,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

func NewTaskResponse(t Task, now time.Time) TaskResponse {
	return TaskResponse{
		TaskID:     t.ID,
		Status:     t.State,
		Progress:   t.Progress,
		Filename:   t.Filename,
		SizeBytes:  t.SizeBytes,
		Engine:     t.Engine,
		BatchID:    t.BatchID,
		Result:     t.Result,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		Timestamp:  now,
	}
}

type TaskListResponse struct {
	Tasks     []TaskResponse `json:"tasks"`
	Total     int            `json:"total"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
	Timestamp time.Time      `json:"timestamp"`
}

type DeleteResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type BatchItem struct {
	Filename  string     `json:"filename"`
	TaskID    string     `json:"task_id,omitempty"`
	Status    State      `json:"status"`
	Progress  int        `json:"progress"`
	OCRResult *Result    `json:"ocr_result,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
}

type BatchResponse struct {
	BatchID            string      `json:"batch_id"`
	Status             BatchStatus `json:"status"`
	Mode               string      `json:"mode,omitempty"`
	DocumentsProcessed int         `json:"documents_processed"`
	Results            []BatchItem `json:"results"`
	CreatedAt          time.Time   `json:"created_at"`
	Timestamp          time.Time   `json:"timestamp"`
}

type EngineStatus string

const (
	EngineAvailable   EngineStatus = "available"
	EngineUnavailable EngineStatus = "unavailable"
	EngineUnknown     EngineStatus = "unknown"
)

type EngineDescriptor struct {
	Name      string       `json:"name"`
	Available bool         `json:"available"`
	Version   string       `json:"version,omitempty"`
	Status    EngineStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CheckedAt *time.Time   `json:"checked_at,omitempty"`
}

type EnginesResponse struct {
	Engines       []EngineDescriptor `json:"engines"`
	DefaultEngine string             `json:"default_engine"`
	Timestamp     time.Time          `json:"timestamp"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	App         string    `json:"app,omitempty"`
	Version     string    `json:"version,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type AppInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
	Debug       bool   `json:"debug"`
}

type RuntimeInfo struct {
	GoVersion    string  `json:"go_version"`
	CPUCount     int     `json:"cpu_count"`
	Goroutines   int     `json:"goroutines"`
	HeapAllocMB  float64 `json:"heap_alloc_mb"`
	SysMB        float64 `json:"sys_mb"`
	UptimeSecond float64 `json:"uptime_seconds"`
}

type ConfigurationInfo struct {
	OCREngine            string  `json:"ocr_engine"`
	DPI                  int     `json:"dpi"`
	PreprocessingEnabled bool    `json:"preprocessing_enabled"`
	MaxFileSizeMB        float64 `json:"max_file_size_mb"`
	MaxFilesPerUpload    int     `json:"max_files_per_upload"`
	Workers              int     `json:"workers"`
	CallTimeout          string  `json:"call_timeout"`
}

type DetailedHealthResponse struct {
	Status        string             `json:"status"`
	App           AppInfo            `json:"app"`
	Runtime       RuntimeInfo        `json:"runtime"`
	Configuration ConfigurationInfo  `json:"configuration"`
	Dispatcher    any                `json:"dispatcher"`
	Engines       []EngineDescriptor `json:"engines"`
	Timestamp     time.Time          `json:"timestamp"`
}
