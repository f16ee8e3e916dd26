package docker

import (
	"strconv"
	"strings"

	"github.com/mind-ai/mind/internal/orchestrator/catalog"
	"github.com/mind-ai/mind/internal/orchestrator/model"
)

// llamaChatTemplate is injected for Llama family models whose bundled
// template produces malformed turns under the OpenAI chat endpoint.
const llamaChatTemplate = `{% if messages[0]['role'] == 'system' %}{% set loop_messages = messages[1:] %}{% set system_message = messages[0]['content'] %}{% elif false == true %}{% set loop_messages = messages %}{% set system_message = 'You are a helpful assistant.' %}{% else %}{% set loop_messages = messages %}{% set system_message = false %}{% endif %}{% for message in loop_messages %}{% if loop.index0 == 0 and system_message != false %}{{ '<|im_start|>system\n' + system_message + '<|im_end|>\n' }}{% endif %}{{ '<|im_start|>' + message['role'] + '\n' + message['content'] + '<|im_end|>' + '\n' }}{% endfor %}{% if add_generation_prompt %}{{ '<|im_start|>assistant\n' }}{% endif %}`

// BuildEngineArgs assembles the vLLM server command for one deployment.
// Quantized and small models run eager to cut load time; full-size LLMs get
// prefix caching and chunked prefill.
func BuildEngineArgs(spec model.Spec, settings catalog.Settings, downloadDir string) []string {
	args := []string{
		"--model", spec.Name,
		"--served-model-name", spec.Abbr,
		"--max-model-len", strconv.Itoa(settings.MaxModelLen),
		"--gpu-memory-utilization", strconv.FormatFloat(settings.GPUMemoryUtilization, 'f', -1, 64),
		"--max-num-seqs", strconv.Itoa(settings.MaxNumSeqs),
		"--port", strconv.Itoa(model.EnginePort),
		"--host", "0.0.0.0",
		"--download-dir", downloadDir,
	}

	if settings.Quantization != "" {
		args = append(args, "--quantization", settings.Quantization)
	}

	lower := strings.ToLower(spec.Name)
	eager := settings.Quantization == "awq" || settings.Quantization == "gptq" ||
		strings.Contains(lower, "1.5b") || strings.Contains(lower, "3b")
	if eager {
		args = append(args, "--enforce-eager")
	}

	if settings.Type == model.TypeLLM && !eager {
		args = append(args, "--enable-prefix-caching", "--enable-chunked-prefill")
	}

	if strings.Contains(lower, "llama") {
		args = append(args, "--chat-template", llamaChatTemplate)
	}

	return args
}

// RunSpecFor builds the container run spec for one deployment: single-GPU
// visibility, the shared bridge network, and the model and cache volumes.
func RunSpecFor(spec model.Spec, settings catalog.Settings, gpuDevice int, config *Config) RunSpec {
	device := strconv.Itoa(gpuDevice)
	return RunSpec{
		Image:         config.Image,
		Name:          model.ContainerName(spec.Abbr),
		Network:       config.Network,
		RestartPolicy: "unless-stopped",
		Env: map[string]string{
			"NVIDIA_VISIBLE_DEVICES": device,
			"CUDA_VISIBLE_DEVICES":   device,
			"HF_TOKEN":               config.HFToken,
		},
		Volumes: map[string]string{
			config.HostModelsDir: config.ModelsDir,
			config.HostCacheDir:  "/root/.cache",
		},
		GPUs: true,
		Args: BuildEngineArgs(spec, settings, config.HFCacheDir),
	}
}
