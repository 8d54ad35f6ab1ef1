package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProbe struct {
	available bool
	calls     int
}

func (p *countingProbe) Available() bool {
	p.calls++
	return p.available
}

func TestResolve(t *testing.T) {
	tcs := map[string]struct {
		preference string
		available  bool
		expected   string
	}{
		"auto with accelerator":    {preference: Auto, available: true, expected: CUDA},
		"auto without accelerator": {preference: Auto, available: false, expected: CPU},
		"cpu with accelerator":     {preference: CPU, available: true, expected: CPU},
		"cpu without accelerator":  {preference: CPU, available: false, expected: CPU},
		"cuda passes through":      {preference: CUDA, available: false, expected: CUDA},
	}
	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			got, err := Resolve(tc.preference, ProbeFunc(func() bool { return tc.available }))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestResolveOnlyProbesForAuto(t *testing.T) {
	p := &countingProbe{available: true}
	_, err := Resolve(CPU, p)
	require.NoError(t, err)
	assert.Equal(t, 0, p.calls)

	_, err = Resolve(Auto, p)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestResolveNilProbe(t *testing.T) {
	got, err := Resolve(Auto, nil)
	require.NoError(t, err)
	assert.Equal(t, CPU, got)
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve("tpu", nil)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestAll(t *testing.T) {
	yes := ProbeFunc(func() bool { return true })
	no := ProbeFunc(func() bool { return false })
	last := &countingProbe{available: true}

	assert.True(t, All{yes, yes}.Available())
	assert.False(t, All{}.Available())
	assert.False(t, All{no, last}.Available())
	assert.Equal(t, 0, last.calls)
}

func TestNVIDIAProbe(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "version")
	require.NoError(t, os.WriteFile(present, []byte("NVRM"), 0o600))

	assert.True(t, NVIDIAProbe{Paths: []string{filepath.Join(dir, "nvidia0"), present}}.Available())
	assert.False(t, NVIDIAProbe{Paths: []string{filepath.Join(dir, "nvidia0")}}.Available())
}
