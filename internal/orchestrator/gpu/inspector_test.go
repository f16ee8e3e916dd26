package gpu

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-ai/mind/pkg/logging"
)

const sampleGPUCSV = `0, NVIDIA RTX A6000, 12000, 49140, 37140, 45, 62
1, NVIDIA RTX A6000, 2000, 49140, 47140, 5, 40
`

func testInspector(query func(ctx context.Context, args ...string) (string, error)) *Inspector {
	i := New(&Config{Logger: logging.NewTestLogger(), PollInterval: 2 * time.Second})
	i.query = query
	return i
}

func TestPollParsesSample(t *testing.T) {
	i := testInspector(func(_ context.Context, args ...string) (string, error) {
		switch args[0] {
		case "--query-gpu=index,name,memory.used,memory.total,memory.free,utilization.gpu,temperature.gpu":
			return sampleGPUCSV, nil
		case "--query-gpu=index,uuid":
			return "0, GPU-aaa\n1, GPU-bbb\n", nil
		case "--query-compute-apps=gpu_uuid,pid,process_name,used_memory":
			return "GPU-aaa, 4321, /usr/bin/python3, 11800\n", nil
		}
		return "", errors.New("unexpected query")
	})

	i.poll(context.Background())

	sample := i.Sample()
	require.Len(t, sample, 2)
	assert.Equal(t, 0, sample[0].Index)
	assert.Equal(t, "NVIDIA RTX A6000", sample[0].Name)
	assert.Equal(t, 12000.0, sample[0].MemoryUsedMB)
	assert.Equal(t, 37140.0, sample[0].MemoryFreeMB)
	assert.Equal(t, 24.4, sample[0].MemoryUsedPercent)
	assert.False(t, i.Degraded())

	procs := i.Processes()
	require.Len(t, procs[0], 1)
	assert.Equal(t, 4321, procs[0][0].PID)
	assert.Equal(t, 11800.0, procs[0][0].MemoryMB)
	assert.Empty(t, procs[1])

	device, ok := i.Device(1)
	require.True(t, ok)
	assert.Equal(t, 47140.0, device.MemoryFreeMB)
	_, ok = i.Device(7)
	assert.False(t, ok)
}

func TestPollDegradesWithoutVendorTool(t *testing.T) {
	i := testInspector(func(context.Context, ...string) (string, error) {
		return "", errors.New("exec: \"nvidia-smi\": executable file not found in $PATH")
	})

	i.poll(context.Background())

	assert.Empty(t, i.Sample())
	assert.True(t, i.Degraded())
}

func TestParseGPUCSVHandlesNA(t *testing.T) {
	gpus := parseGPUCSV("0, Tesla T4, [N/A], 15360, [N/A], [N/A], [N/A]\n")
	require.Len(t, gpus, 1)
	assert.Equal(t, 0.0, gpus[0].MemoryUsedMB)
	assert.Equal(t, 15360.0, gpus[0].MemoryTotalMB)
	assert.Equal(t, 15360.0, gpus[0].MemoryFreeMB)
}

func TestParseGPUCSVSkipsMalformedLines(t *testing.T) {
	gpus := parseGPUCSV("garbage\n0, A6000, 1, 2, 1, 0, 0\n")
	require.Len(t, gpus, 1)
	assert.Equal(t, 0, gpus[0].Index)
}

func TestPickPrefersLeastLoaded(t *testing.T) {
	sample := []GPU{
		{Index: 0, MemoryUsedMB: 12000},
		{Index: 1, MemoryUsedMB: 2000},
	}

	assert.Equal(t, 1, Pick(sample, nil))

	// Two models on GPU 1 outweigh its lower memory use.
	assert.Equal(t, 0, Pick(sample, map[int]int{1: 2}))
}

func TestPickEmptySampleDefaultsToZero(t *testing.T) {
	assert.Equal(t, 0, Pick(nil, nil))
}
