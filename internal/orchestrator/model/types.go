package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ContainerPrefix is the reserved prefix for inference containers. It is part
// of the platform contract: the reconciler adopts every running container
// whose name carries it, and the router addresses containers by it.
const ContainerPrefix = "MIND_MODEL_"

// EnginePort is the fixed port the inference engine listens on inside its
// container.
const EnginePort = 8000

// Type classifies what a deployed model serves.
type Type string

const (
	TypeLLM       Type = "llm"
	TypeEmbedding Type = "embedding"
)

// Status is the lifecycle state of a model record.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
	StatusStopping  Status = "stopping"
)

var abbrPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

// ValidAbbr reports whether s is a well-formed model slug.
func ValidAbbr(s string) bool {
	return s != "" && abbrPattern.MatchString(s)
}

// ContainerName returns the deterministic container name for a slug.
func ContainerName(abbr string) string {
	return ContainerPrefix + abbr
}

// AbbrFromContainer extracts the slug from a container name, returning false
// when the name does not carry the reserved prefix.
func AbbrFromContainer(name string) (string, bool) {
	if len(name) <= len(ContainerPrefix) || name[:len(ContainerPrefix)] != ContainerPrefix {
		return "", false
	}
	return name[len(ContainerPrefix):], true
}

// Endpoint returns the public path prefix for a slug.
func Endpoint(abbr string) string {
	return "/api/v1/" + abbr
}

// Spec is a deployment request for one model.
type Spec struct {
	Abbr                 string  `json:"abbr" binding:"required"`
	Name                 string  `json:"name" binding:"required"`
	Type                 Type    `json:"type" binding:"required"`
	Quantization         string  `json:"quantization,omitempty"`
	MaxModelLen          int     `json:"max_model_len,omitempty"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization,omitempty"`
	MaxNumSeqs           int     `json:"max_num_seqs,omitempty"`
	GPUDevice            *int    `json:"gpu_device,omitempty"`
	Port                 int     `json:"port,omitempty"`
}

// Record is the authoritative state of one model, persisted in the KV store
// under model:{abbr}.
type Record struct {
	Abbr                 string  `json:"abbr"`
	Name                 string  `json:"name"`
	Type                 Type    `json:"type"`
	Quantization         string  `json:"quantization"`
	MaxModelLen          int     `json:"max_model_len"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization"`
	MaxNumSeqs           int     `json:"max_num_seqs"`
	GPUDevice            int     `json:"gpu_device"`
	Port                 int     `json:"port"`
	Endpoint             string  `json:"endpoint"`
	Status               Status  `json:"status"`
	Progress             int     `json:"progress"`
	ProgressMessage      string  `json:"progress_message"`
	ContainerName        string  `json:"container_name,omitempty"`
	ContainerID          string  `json:"container_id,omitempty"`
	Cached               bool    `json:"cached"`
	CacheSizeMB          float64 `json:"cache_size_mb,omitempty"`
	CreatedAt            int64   `json:"created_at"`
	UpdatedAt            int64   `json:"updated_at"`
}

// Spec reconstructs a deployment spec from a persisted record, used by Start
// to redeploy a stopped model with its original parameters.
func (r *Record) Spec() Spec {
	gpu := r.GPUDevice
	return Spec{
		Abbr:                 r.Abbr,
		Name:                 r.Name,
		Type:                 r.Type,
		Quantization:         r.Quantization,
		MaxModelLen:          r.MaxModelLen,
		GPUMemoryUtilization: r.GPUMemoryUtilization,
		MaxNumSeqs:           r.MaxNumSeqs,
		GPUDevice:            &gpu,
		Port:                 r.Port,
	}
}

// NowMillis returns the current wall clock in epoch milliseconds, the
// resolution record timestamps are stored at.
var NowMillis = func() int64 { return time.Now().UnixMilli() }

// Fields flattens the record into the string map stored in the KV hash.
func (r *Record) Fields() map[string]string {
	return map[string]string{
		"abbr":                   r.Abbr,
		"name":                   r.Name,
		"type":                   string(r.Type),
		"quantization":           r.Quantization,
		"max_model_len":          strconv.Itoa(r.MaxModelLen),
		"gpu_memory_utilization": strconv.FormatFloat(r.GPUMemoryUtilization, 'f', -1, 64),
		"max_num_seqs":           strconv.Itoa(r.MaxNumSeqs),
		"gpu_device":             strconv.Itoa(r.GPUDevice),
		"port":                   strconv.Itoa(r.Port),
		"endpoint":               r.Endpoint,
		"status":                 string(r.Status),
		"progress":               strconv.Itoa(r.Progress),
		"progress_message":       r.ProgressMessage,
		"container_name":         r.ContainerName,
		"container_id":           r.ContainerID,
		"cached":                 strconv.FormatBool(r.Cached),
		"cache_size_mb":          strconv.FormatFloat(r.CacheSizeMB, 'f', -1, 64),
		"created_at":             strconv.FormatInt(r.CreatedAt, 10),
		"updated_at":             strconv.FormatInt(r.UpdatedAt, 10),
	}
}

// RecordFromFields rebuilds a record from the flat string map read out of the
// KV hash. Unknown or malformed numeric fields fall back to zero values; the
// slug and status must be present.
func RecordFromFields(fields map[string]string) (*Record, error) {
	if fields["abbr"] == "" {
		return nil, fmt.Errorf("model hash has no abbr field")
	}

	r := &Record{
		Abbr:            fields["abbr"],
		Name:            fields["name"],
		Type:            Type(fields["type"]),
		Quantization:    fields["quantization"],
		Endpoint:        fields["endpoint"],
		Status:          Status(fields["status"]),
		ProgressMessage: fields["progress_message"],
		ContainerName:   fields["container_name"],
		ContainerID:     fields["container_id"],
	}
	if r.Endpoint == "" {
		r.Endpoint = Endpoint(r.Abbr)
	}

	r.MaxModelLen, _ = strconv.Atoi(fields["max_model_len"])
	r.GPUMemoryUtilization, _ = strconv.ParseFloat(fields["gpu_memory_utilization"], 64)
	r.MaxNumSeqs, _ = strconv.Atoi(fields["max_num_seqs"])
	r.GPUDevice, _ = strconv.Atoi(fields["gpu_device"])
	r.Port, _ = strconv.Atoi(fields["port"])
	r.Progress, _ = strconv.Atoi(fields["progress"])
	r.Cached, _ = strconv.ParseBool(fields["cached"])
	r.CacheSizeMB, _ = strconv.ParseFloat(fields["cache_size_mb"], 64)
	r.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	r.UpdatedAt, _ = strconv.ParseInt(fields["updated_at"], 10, 64)

	return r, nil
}
