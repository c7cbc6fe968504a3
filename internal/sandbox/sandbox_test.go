package sandbox

import (
	"errors"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"kevin/internal/core"
)

func TestHandleLifecycle(t *testing.T) {
	h := newHandle("local")
	assert.Equal(t, h.State(), StateAcquired)

	assert.NilError(t, h.beginExec())
	assert.Equal(t, h.State(), StateExecuting)

	// Only one execute at a time.
	err := h.beginExec()
	assert.ErrorContains(t, err, "already in flight")

	h.endExec()
	assert.Equal(t, h.State(), StateAcquired)

	// Sequential re-entry is fine.
	assert.NilError(t, h.beginExec())
	h.endExec()

	assert.Assert(t, h.release())
	assert.Equal(t, h.State(), StateReleased)

	// Released is terminal.
	err = h.beginExec()
	assert.Assert(t, errors.Is(err, core.ErrHandleReleased))

	// Release is idempotent.
	assert.Assert(t, !h.release())
	assert.Equal(t, h.State(), StateReleased)
}

func TestHandleGuardChecksOwner(t *testing.T) {
	h := newHandle("docker")

	err := h.guard("local")
	assert.ErrorContains(t, err, "belongs to docker")
	assert.NilError(t, h.guard("docker"))
}

func TestSanitizedEnvDropsHostSecrets(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-secret")
	t.Setenv("PATH", "/usr/bin:/bin")

	env := sanitizedEnv(map[string]string{"CI": "true"})

	joined := strings.Join(env, "\n")
	assert.Assert(t, !strings.Contains(joined, "sk-secret"), "credential leaked into sandbox env")
	assert.Assert(t, strings.Contains(joined, "PATH=/usr/bin:/bin"))
	assert.Assert(t, strings.Contains(joined, "CI=true"))
}

func TestSanitizedEnvIsSorted(t *testing.T) {
	env := sanitizedEnv(map[string]string{"ZED": "1", "ALPHA": "2"})
	for i := 1; i < len(env); i++ {
		assert.Assert(t, env[i-1] < env[i], "env not sorted: %v", env)
	}
}

func TestCapBuffer(t *testing.T) {
	b := newCapBuffer(10)

	n, err := b.Write([]byte("0123456789abcdef"))
	assert.NilError(t, err)
	assert.Equal(t, n, 16, "writer must claim full write so the command keeps running")
	assert.Equal(t, b.String(), "0123456789")
	assert.Assert(t, b.truncated)

	// Later writes are swallowed entirely.
	_, err = b.Write([]byte("more"))
	assert.NilError(t, err)
	assert.Equal(t, b.String(), "0123456789")
}

func TestCapBufferUnderLimit(t *testing.T) {
	b := newCapBuffer(100)
	_, err := b.Write([]byte("short"))
	assert.NilError(t, err)
	assert.Equal(t, b.String(), "short")
	assert.Assert(t, !b.truncated)
}
