package toolexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/laju/pkg/risk"
)

type fakeTool struct {
	spec     Spec
	mutating bool
	run      func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (f *fakeTool) Spec() Spec     { return f.spec }
func (f *fakeTool) Mutating() bool { return f.mutating }
func (f *fakeTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	return f.run(ctx, args)
}

func readTool(name string, run func(ctx context.Context, args map[string]interface{}) (string, error)) *fakeTool {
	return &fakeTool{
		spec: Spec{
			Name:        name,
			Description: "test read tool",
			Parameters: []Param{
				{Name: "path", Type: "string", Description: "target path", Required: true},
			},
		},
		run: run,
	}
}

func writeTool(name string, run func(ctx context.Context, args map[string]interface{}) (string, error)) *fakeTool {
	return &fakeTool{
		spec: Spec{
			Name:        name,
			Description: "test write tool",
			Parameters: []Param{
				{Name: "path", Type: "string", Description: "target path", Required: true},
				{Name: "content", Type: "string", Description: "file content"},
			},
		},
		mutating: true,
		run:      run,
	}
}

func okRun(ctx context.Context, args map[string]interface{}) (string, error) {
	return "ok", nil
}

func newTestExecutor(t *testing.T, tools ...Tool) (*Executor, *Registry) {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	return NewExecutor(registry, risk.NewClassifier(), 2*time.Second, 5), registry
}

func TestRegistry_RejectsDuplicatesAndBadSpecs(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(readTool("read", okRun)))
	assert.Error(t, registry.Register(readTool("read", okRun)))

	bad := readTool("odd", okRun)
	bad.spec.Parameters[0].Type = "strang"
	assert.Error(t, registry.Register(bad))

	assert.Error(t, registry.Register(&fakeTool{spec: Spec{Name: "noDesc"}, run: okRun}))
}

func TestExecute_RecordsLifecycleAndOutput(t *testing.T) {
	exec, _ := newTestExecutor(t, readTool("read", func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "file contents", nil
	}))

	call := NewCall("read", map[string]interface{}{"path": "a.txt"})
	require.Equal(t, StatusPending, call.Status)

	require.NoError(t, exec.Execute(context.Background(), call))

	assert.Equal(t, StatusDone, call.Status)
	assert.Equal(t, "file contents", call.Output)
	assert.Equal(t, risk.TierSafe, call.Risk)
	assert.False(t, call.StartedAt.IsZero())
	assert.False(t, call.FinishedAt.IsZero())
}

func TestExecute_ValidationFailureIsRecoverable(t *testing.T) {
	exec, _ := newTestExecutor(t, readTool("read", okRun))

	// Missing the required path argument
	call := NewCall("read", map[string]interface{}{})
	require.NoError(t, exec.Execute(context.Background(), call))

	assert.Equal(t, StatusFailed, call.Status)
	assert.Equal(t, ErrKindBadArgs, call.ErrorKind)
	assert.False(t, FatalForIteration(call.ErrorKind))
}

func TestExecute_UnknownToolIsRecoverable(t *testing.T) {
	exec, _ := newTestExecutor(t)

	call := NewCall("teleport", nil)
	require.NoError(t, exec.Execute(context.Background(), call))

	assert.Equal(t, StatusFailed, call.Status)
	assert.Equal(t, ErrKindNotFound, call.ErrorKind)
}

func TestExecute_TimeoutKillsCall(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(readTool("read", func(ctx context.Context, args map[string]interface{}) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})))
	exec := NewExecutor(registry, risk.NewClassifier(), 50*time.Millisecond, 5)

	call := NewCall("read", map[string]interface{}{"path": "slow.txt"})
	require.NoError(t, exec.Execute(context.Background(), call))

	assert.Equal(t, StatusFailed, call.Status)
	assert.Equal(t, ErrKindTimeout, call.ErrorKind)
	assert.Contains(t, call.Error, "timeout")
}

func TestExecute_InterruptKillsCall(t *testing.T) {
	exec, _ := newTestExecutor(t, readTool("read", func(ctx context.Context, args map[string]interface{}) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	call := NewCall("read", map[string]interface{}{"path": "slow.txt"})
	require.NoError(t, exec.Execute(ctx, call))

	assert.Equal(t, StatusKilled, call.Status)
	assert.Equal(t, ErrKindInterrupted, call.ErrorKind)
}

func TestExecute_BlockedCallReturnsError(t *testing.T) {
	exec, _ := newTestExecutor(t, &fakeTool{
		spec: Spec{
			Name:        "bash",
			Description: "run a shell command",
			Parameters: []Param{
				{Name: "command", Type: "string", Description: "command line", Required: true},
			},
		},
		mutating: true,
		run:      okRun,
	})

	call := NewCall("bash", map[string]interface{}{"command": "rm -rf /tmp/project"})
	err := exec.Execute(context.Background(), call)
	require.Error(t, err)

	var blocked *risk.ErrBlocked
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, StatusFailed, call.Status)
	assert.Equal(t, ErrKindBlocked, call.ErrorKind)
	assert.True(t, FatalForIteration(call.ErrorKind))
}

func TestExecute_RuntimeErrorIsFedBack(t *testing.T) {
	exec, _ := newTestExecutor(t, readTool("read", func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", errors.New("disk exploded")
	}))

	call := NewCall("read", map[string]interface{}{"path": "a.txt"})
	require.NoError(t, exec.Execute(context.Background(), call), "runtime failures are model feedback, not loop errors")

	assert.Equal(t, StatusFailed, call.Status)
	assert.Equal(t, ErrKindRuntime, call.ErrorKind)
	assert.Equal(t, "disk exploded", call.Error)
}

func TestExecute_SuccessMarksPathReferenced(t *testing.T) {
	classifier := risk.NewClassifier()
	registry := NewRegistry()
	require.NoError(t, registry.Register(readTool("read", okRun)))
	exec := NewExecutor(registry, classifier, time.Second, 5)

	args := map[string]interface{}{"path": "src/main.go", "content": "x"}
	assert.Equal(t, risk.TierConfirm, classifier.Classify("write", args))

	call := NewCall("read", map[string]interface{}{"path": "src/main.go"})
	require.NoError(t, exec.Execute(context.Background(), call))

	assert.Equal(t, risk.TierCautious, classifier.Classify("write", args),
		"a write to a file the session already read is a local mutation")
}

func TestExecuteBatch_ReadsConcurrentWritesSequential(t *testing.T) {
	var (
		mu         sync.Mutex
		inFlight   int32
		maxReads   int32
		writeOrder []string
	)

	read := readTool("read", func(ctx context.Context, args map[string]interface{}) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			cur := atomic.LoadInt32(&maxReads)
			if n <= cur || atomic.CompareAndSwapInt32(&maxReads, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	})
	write := writeTool("write", func(ctx context.Context, args map[string]interface{}) (string, error) {
		require.Zero(t, atomic.LoadInt32(&inFlight), "no read may overlap a write")
		mu.Lock()
		writeOrder = append(writeOrder, args["path"].(string))
		mu.Unlock()
		return "ok", nil
	})

	exec, _ := newTestExecutor(t, read, write)

	calls := []*Call{
		NewCall("read", map[string]interface{}{"path": "a"}),
		NewCall("write", map[string]interface{}{"path": "w1"}),
		NewCall("read", map[string]interface{}{"path": "b"}),
		NewCall("read", map[string]interface{}{"path": "c"}),
		NewCall("write", map[string]interface{}{"path": "w2"}),
	}
	require.NoError(t, exec.ExecuteBatch(context.Background(), calls))

	for _, c := range calls {
		assert.Equal(t, StatusDone, c.Status, c.Name)
	}
	assert.Greater(t, maxReads, int32(1), "reads should overlap")
	assert.Equal(t, []string{"w1", "w2"}, writeOrder, "writes keep request order")
}

func TestExecuteBatch_TruncatesOversizedBatch(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(readTool("read", okRun)))
	exec := NewExecutor(registry, risk.NewClassifier(), time.Second, 2)

	calls := make([]*Call, 4)
	for i := range calls {
		calls[i] = NewCall("read", map[string]interface{}{"path": fmt.Sprintf("f%d", i)})
	}
	require.NoError(t, exec.ExecuteBatch(context.Background(), calls))

	assert.Equal(t, StatusDone, calls[0].Status)
	assert.Equal(t, StatusDone, calls[1].Status)
	assert.Equal(t, StatusFailed, calls[2].Status)
	assert.Equal(t, StatusFailed, calls[3].Status)
	assert.Contains(t, calls[2].Error, "batch limit")
}

func TestTransition_RejectsIllegalMoves(t *testing.T) {
	call := NewCall("read", nil)

	require.NoError(t, call.Transition(StatusRunning))
	require.NoError(t, call.Transition(StatusDone))

	assert.Error(t, call.Transition(StatusRunning), "done is terminal")
	assert.Error(t, call.Transition(StatusFailed))

	fresh := NewCall("read", nil)
	assert.Error(t, fresh.Transition(StatusDone), "pending cannot skip running")
}

func TestTouchedPaths_DistinctSuccessfulMutations(t *testing.T) {
	exec, registry := newTestExecutor(t,
		readTool("read", okRun),
		writeTool("write", okRun),
		writeTool("edit", func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", errors.New("conflict")
		}),
	)

	calls := []*Call{
		NewCall("read", map[string]interface{}{"path": "a.go"}),
		NewCall("write", map[string]interface{}{"path": "b.go"}),
		NewCall("write", map[string]interface{}{"path": "b.go"}),
		NewCall("edit", map[string]interface{}{"path": "c.go"}),
	}
	for _, c := range calls {
		require.NoError(t, exec.Execute(context.Background(), c))
	}

	assert.Equal(t, []string{"b.go"}, TouchedPaths(registry, calls),
		"reads and failed edits are not progress")
}
