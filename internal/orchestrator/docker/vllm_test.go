package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/model"
)

func TestBuildEngineArgsBase(t *testing.T) {
	args := BuildEngineArgs(
		model.Spec{Abbr: "qwen7b", Name: "Qwen/Qwen2.5-7B-Instruct", Type: model.TypeLLM},
		catalog.Settings{MaxModelLen: 4096, GPUMemoryUtilization: 0.5, MaxNumSeqs: 128, Type: model.TypeLLM},
		"/root/.cache/huggingface/hub",
	)

	assert.Equal(t, []string{
		"--model", "Qwen/Qwen2.5-7B-Instruct",
		"--served-model-name", "qwen7b",
		"--max-model-len", "4096",
		"--gpu-memory-utilization", "0.5",
		"--max-num-seqs", "128",
		"--port", "8000",
		"--host", "0.0.0.0",
		"--download-dir", "/root/.cache/huggingface/hub",
		"--enable-prefix-caching", "--enable-chunked-prefill",
	}, args)
}

func TestBuildEngineArgsQuantizedRunsEager(t *testing.T) {
	args := BuildEngineArgs(
		model.Spec{Abbr: "mistral-awq", Name: "TheBloke/Mistral-7B-AWQ", Type: model.TypeLLM},
		catalog.Settings{MaxModelLen: 2048, GPUMemoryUtilization: 0.25, MaxNumSeqs: 256, Quantization: "awq", Type: model.TypeLLM},
		"/cache",
	)

	assert.Contains(t, args, "--quantization")
	assert.Contains(t, args, "awq")
	assert.Contains(t, args, "--enforce-eager")
	assert.NotContains(t, args, "--enable-prefix-caching")
	assert.NotContains(t, args, "--enable-chunked-prefill")
}

func TestBuildEngineArgsSmallModelRunsEager(t *testing.T) {
	args := BuildEngineArgs(
		model.Spec{Abbr: "qwen1.5b", Name: "Qwen/Qwen2.5-1.5B-Instruct", Type: model.TypeLLM},
		catalog.Settings{MaxModelLen: 4096, GPUMemoryUtilization: 0.9, MaxNumSeqs: 256, Type: model.TypeLLM},
		"/cache",
	)

	assert.Contains(t, args, "--enforce-eager")
	assert.NotContains(t, args, "--enable-prefix-caching")
}

func TestBuildEngineArgsEmbedding(t *testing.T) {
	args := BuildEngineArgs(
		model.Spec{Abbr: "bge", Name: "BAAI/bge-base-en-v1.5", Type: model.TypeEmbedding},
		catalog.Settings{MaxModelLen: 512, GPUMemoryUtilization: 0.05, MaxNumSeqs: 1024, Type: model.TypeEmbedding},
		"/cache",
	)

	assert.NotContains(t, args, "--enforce-eager")
	assert.NotContains(t, args, "--enable-prefix-caching")
	assert.NotContains(t, args, "--enable-chunked-prefill")
}

func TestBuildEngineArgsLlamaChatTemplate(t *testing.T) {
	args := BuildEngineArgs(
		model.Spec{Abbr: "llama3", Name: "meta-llama/Meta-Llama-3-8B-Instruct", Type: model.TypeLLM},
		catalog.Settings{MaxModelLen: 4096, GPUMemoryUtilization: 0.9, MaxNumSeqs: 256, Type: model.TypeLLM},
		"/cache",
	)

	assert.Contains(t, args, "--chat-template")
}

func TestRunSpecFor(t *testing.T) {
	config := &Config{
		Image:         "vllm/vllm-openai:latest",
		Network:       "mind_llm-network",
		HostModelsDir: "./models",
		ModelsDir:     "/models",
		HostCacheDir:  "/home/op/.cache",
		HFCacheDir:    "/root/.cache/huggingface/hub",
		HFToken:       "hf_secret",
	}

	spec := RunSpecFor(
		model.Spec{Abbr: "qwen7b", Name: "Qwen/Qwen2.5-7B-Instruct", Type: model.TypeLLM},
		catalog.Settings{MaxModelLen: 4096, GPUMemoryUtilization: 0.9, MaxNumSeqs: 256, Type: model.TypeLLM},
		1,
		config,
	)

	assert.Equal(t, "MIND_MODEL_qwen7b", spec.Name)
	assert.Equal(t, "vllm/vllm-openai:latest", spec.Image)
	assert.Equal(t, "mind_llm-network", spec.Network)
	assert.Equal(t, "unless-stopped", spec.RestartPolicy)
	assert.Equal(t, "1", spec.Env["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, "1", spec.Env["NVIDIA_VISIBLE_DEVICES"])
	assert.Equal(t, "hf_secret", spec.Env["HF_TOKEN"])
	assert.Equal(t, "/models", spec.Volumes["./models"])
	assert.Equal(t, "/root/.cache", spec.Volumes["/home/op/.cache"])
	assert.True(t, spec.GPUs)
}
