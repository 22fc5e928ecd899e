package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsole_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, "run-1", true)

	c.Stage(3, "Build modules")
	c.Info("jobs=%d", 4)
	c.Warn("no directive for %s", "ndk_http_module.so")
	c.Error("make failed")
	c.Block([]string{"line one", "line two"})

	out := buf.String()
	assert.Contains(t, out, "==> [3/6] Build modules\n")
	assert.Contains(t, out, "[INFO] jobs=4\n")
	assert.Contains(t, out, "[WARN] no directive for ndk_http_module.so\n")
	assert.Contains(t, out, "[FAIL] make failed\n")
	assert.Contains(t, out, "    line one\n    line two\n")
	assert.Equal(t, "run-1", c.RunID())
}

func TestConsole_Banner(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "", true).Banner("done")

	assert.Equal(t, "========\n  done\n========\n", buf.String())
}

func TestConsole_Table(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "", true).Table([]string{
		"MODULE | SIZE",
		"ngx_http_geoip2_module.so | 112640",
	})

	assert.Equal(t, "    MODULE                     SIZE\n    ngx_http_geoip2_module.so  112640\n", buf.String())
}
