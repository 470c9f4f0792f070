package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	assert.Equal(t, filepath.Join(dir, LockFileName), lock.Path())
	data, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	fields := parseOwner(string(data))
	assert.Equal(t, fmt.Sprint(os.Getpid()), fields["pid"])
	assert.NotEmpty(t, fields["started"])
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = Acquire(dir)
	require.Error(t, err)

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Contains(t, err.Error(), "Another DialogPipe instance is already running")
	assert.Contains(t, err.Error(), lock.Path())
	assert.Contains(t, lockErr.Holder, fmt.Sprintf("PID %d (running)", os.Getpid()))
	assert.NotNil(t, errors.Unwrap(err))

	// The failed attempt must not clobber the holder's information.
	data, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(os.Getpid()), parseOwner(string(data))["pid"])
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))

	again, err := Acquire(dir)
	require.NoError(t, err)
	assert.NoError(t, again.Release())
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	assert.Contains(t, describeHolder(path), "unreadable")

	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	assert.Contains(t, describeHolder(path), "no process information")

	// PIDs this large are outside the default pid_max.
	require.NoError(t, os.WriteFile(path, []byte("pid=99999999\nhost=box\n"), 0o644))
	assert.Equal(t, "PID 99999999 (not running) on box", describeHolder(path))
}

func TestAcquireFailsOnUnwritableParent(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0o500))
	defer os.Chmod(parent, 0o700)

	_, err := Acquire(filepath.Join(parent, "state"))
	assert.Error(t, err)
}
