package main

import (
	"bytes"
	"io"
	"testing"

	"blockos/kernel/kfmt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard

	err := app.Run(append([]string{"pmmsim"}, args...))
	return out.String(), err
}

func TestBootCommand(t *testing.T) {
	t.Run("with boot log", func(t *testing.T) {
		out, err := runApp(t, "boot", "testdata/qemu-16m.yaml")
		require.NoError(t, err)

		assert.Contains(t, out, "[pmm] ")
		assert.Contains(t, out, "total frames:     4096\n")
		assert.Contains(t, out, "bitmap:           [0x110000 - 0x110200)\n")
	})

	t.Run("quiet", func(t *testing.T) {
		out, err := runApp(t, "boot", "--quiet", "testdata/qemu-16m.yaml")
		require.NoError(t, err)

		assert.NotContains(t, out, "[pmm] ")
		assert.Contains(t, out, "used frames:      274\n")
		assert.Contains(t, out, "free frames:      3822\n")
	})

	t.Run("missing scenario", func(t *testing.T) {
		_, err := runApp(t, "boot")
		assert.EqualError(t, err, "expected a single scenario file argument")
	})

	t.Run("unknown scenario file", func(t *testing.T) {
		_, err := runApp(t, "boot", "testdata/no-such-file.yaml")
		assert.Error(t, err)
	})
}

func TestStressCommand(t *testing.T) {
	t.Run("flag overrides", func(t *testing.T) {
		out, err := runApp(t, "stress", "--ops", "10", "--seed", "3", "--max-run", "2", "testdata/qemu-16m.yaml")
		require.NoError(t, err)

		assert.Contains(t, out, "ops: 10, ")
		assert.NotContains(t, out, "[pmm] ")
		assert.Contains(t, out, "total frames:     4096\n")
	})

	t.Run("scenario workload", func(t *testing.T) {
		out, err := runApp(t, "stress", "testdata/qemu-16m.yaml")
		require.NoError(t, err)

		assert.Contains(t, out, "ops: 5000, ")
	})

	t.Run("too many arguments", func(t *testing.T) {
		_, err := runApp(t, "stress", "testdata/qemu-16m.yaml", "testdata/qemu-128m.yaml")
		assert.EqualError(t, err, "expected a single scenario file argument")
	})
}
