package run

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"silexa/substrate/internal/container"
	"silexa/substrate/internal/errs"
	"silexa/substrate/internal/lock"
	"silexa/substrate/internal/objectstore"
	"silexa/substrate/internal/workspace"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out s3.ListObjectsV2Output
	prefix := aws.ToString(in.Prefix)
	for k, v := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			sum := md5.Sum(v)
			out.Contents = append(out.Contents, s3types.Object{
				Key:  aws.String(k),
				Size: aws.Int64(int64(len(v))),
				ETag: aws.String(`"` + hex.EncodeToString(sum[:]) + `"`),
			})
		}
	}
	return &out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{Message: aws.String("not found")}
	}
	size := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &size}, nil
}

type fakeRuntime struct {
	mu      sync.Mutex
	creates int
}

func (f *fakeRuntime) Name() string { return "fake" }
func (f *fakeRuntime) Create(_ context.Context, _, _, _, _ string, _ container.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return nil
}
func (f *fakeRuntime) Healthy(context.Context, string) bool   { return true }
func (f *fakeRuntime) Destroy(context.Context, string) error  { return nil }
func (f *fakeRuntime) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type fakeAgent struct {
	mu     sync.Mutex
	calls  int
	script func(call int, req Request, ch chan<- Event)
}

func (a *fakeAgent) Stream(_ context.Context, req Request) (<-chan Event, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		a.script(call, req, ch)
	}()
	return ch, nil
}

type recorded struct {
	Name    string
	Payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Emit(name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{Name: name, Payload: payload})
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

func (r *recorder) last() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) find(name string) (recorded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Name == name {
			return e, true
		}
	}
	return recorded{}, false
}

type testEnv struct {
	pipeline *Pipeline
	pool     *container.Pool
	rt       *fakeRuntime
	locks    *lock.Registry
	store    *workspace.Store
	gw       *objectstore.Gateway
	baseDir  string
}

func newTestEnv(t *testing.T, agent Agent, execTTL time.Duration) *testEnv {
	t.Helper()
	api := newFakeS3()
	gw := objectstore.New(api, "bucket", "workspaces")
	store, err := workspace.Open(filepath.Join(t.TempDir(), "workspace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := &fakeRuntime{}
	baseDir := t.TempDir()
	pool := container.NewPool(rt, 2, time.Minute, baseDir, t.TempDir(), container.DefaultPolicy(), zerolog.Nop())
	engine := workspace.NewEngine(gw, zerolog.Nop())
	locks := lock.NewRegistry()
	pipeline := NewPipeline(locks, pool, engine, store, agent, NewTable(0), execTTL, "", zerolog.Nop())
	return &testEnv{pipeline: pipeline, pool: pool, rt: rt, locks: locks, store: store, gw: gw, baseDir: baseDir}
}

func workspaceDir(env *testEnv, tenant, conv string) string {
	return filepath.Join(env.baseDir, tenant, conv)
}

func TestRunSucceedsAndRegistersPresentedFiles(t *testing.T) {
	var env *testEnv
	agent := &fakeAgent{script: func(_ int, req Request, ch chan<- Event) {
		// The sandboxed agent writes a report into the bind mount before
		// finishing its turn.
		dir := filepath.Join(workspaceDir(env, "t1", "c1"), "outputs")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return
		}
		if err := os.WriteFile(filepath.Join(dir, "report.xlsx"), []byte("xlsx"), 0o640); err != nil {
			return
		}
		ch <- Event{Kind: EventTextDelta, Content: "working"}
		ch <- Event{Kind: EventResult, Result: &Result{Subtype: "success", Result: "done", NumTurns: 1, Usage: Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}}}
	}}
	env = newTestEnv(t, agent, time.Minute)

	pr, err := env.pipeline.Prepare(context.Background(), "t1", "c1")
	require.NoError(t, err)

	out := &recorder{}
	rec := env.pipeline.Execute(context.Background(), pr, Request{UserInput: "make a report"}, out)

	require.Equal(t, StateSucceeded, rec.State)
	require.Equal(t, int64(30), rec.Usage.TotalTokens)
	require.Equal(t, []string{"session_start", "text_delta", "result"}, out.names())

	last := out.last()
	res, ok := last.Payload.(Result)
	require.True(t, ok)
	require.Equal(t, "success", res.Subtype)

	presented, err := env.store.Presented(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.Len(t, presented, 1)
	require.Equal(t, "outputs/report.xlsx", presented[0].FilePath)
	require.True(t, presented[0].IsPresented)
	require.Equal(t, workspace.SourceAICreated, presented[0].Source)

	require.False(t, env.locks.Held("c1"), "lock must be released on completion")
	require.Equal(t, 0, env.pool.Health().Allocated, "container must be released")
}

func TestToolWrittenFileIsPresentedWithoutBindMountChange(t *testing.T) {
	// Files written through the workspace tools reach the object store
	// and the record store directly; the bind mount never changes.
	var env *testEnv
	agent := &fakeAgent{script: func(_ int, _ Request, ch chan<- Event) {
		ctx := context.Background()
		data := []byte("summary")
		if err := env.gw.Put(ctx, "t1", "c1", "outputs/summary.md", data, "text/markdown"); err != nil {
			return
		}
		if err := env.store.Upsert(ctx, "t1", workspace.Record{
			ConversationID: "c1", FilePath: "outputs/summary.md", OriginalName: "outputs/summary.md",
			OriginalRelativePath: "outputs/summary.md", SizeBytes: int64(len(data)),
			MimeType: "text/markdown", Source: workspace.SourceAICreated, ContentHash: workspace.HashBytes(data),
		}); err != nil {
			return
		}
		ch <- Event{Kind: EventResult, Result: &Result{Subtype: "success"}}
	}}
	env = newTestEnv(t, agent, time.Minute)

	pr, err := env.pipeline.Prepare(context.Background(), "t1", "c1")
	require.NoError(t, err)
	rec := env.pipeline.Execute(context.Background(), pr, Request{}, &recorder{})
	require.Equal(t, StateSucceeded, rec.State)

	presented, err := env.store.Presented(context.Background(), "t1", "c1")
	require.NoError(t, err)
	require.Len(t, presented, 1)
	require.Equal(t, "outputs/summary.md", presented[0].FilePath)
	require.True(t, presented[0].IsPresented)
}

func TestConcurrentRunIsRejectedWithoutSecondContainer(t *testing.T) {
	var env *testEnv
	agent := &fakeAgent{script: func(_ int, _ Request, ch chan<- Event) {
		ch <- Event{Kind: EventResult, Result: &Result{Subtype: "success"}}
	}}
	env = newTestEnv(t, agent, time.Minute)

	pr, err := env.pipeline.Prepare(context.Background(), "t1", "c1")
	require.NoError(t, err)

	_, err = env.pipeline.Prepare(context.Background(), "t1", "c1")
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.ConversationLocked, e.Code)
	require.Equal(t, 409, e.HTTPStatus())
	require.Equal(t, 1, env.rt.createCount(), "no second container may be allocated")

	env.pipeline.Execute(context.Background(), pr, Request{}, &recorder{})
}

func TestCrashMidTurnRecoversAndReportsContainerCrashed(t *testing.T) {
	agent := &fakeAgent{script: func(_ int, _ Request, ch chan<- Event) {
		ch <- Event{Kind: EventTextDelta, Content: "partial"}
		// Channel closes without a result: the sandbox died mid-turn.
	}}
	env := newTestEnv(t, agent, time.Minute)

	pr, err := env.pipeline.Prepare(context.Background(), "t1", "c1")
	require.NoError(t, err)

	out := &recorder{}
	rec := env.pipeline.Execute(context.Background(), pr, Request{}, out)

	require.Equal(t, StateCrashed, rec.State)
	require.Equal(t, 2, env.rt.createCount(), "a replacement container must be allocated")

	_, found := out.find("container_recovered")
	require.True(t, found, "container_recovered must be emitted, got %v", out.names())

	errEv, found := out.find("error")
	require.True(t, found)
	require.Equal(t, errs.ContainerCrashed, errEv.Payload.(errorPayload).Code)

	last := out.last()
	require.Equal(t, "result", last.Name)
	require.Equal(t, "error_during_execution", last.Payload.(Result).Subtype)

	require.False(t, env.locks.Held("c1"))
	require.Equal(t, 0, env.pool.Health().Allocated)
}

func TestCrashAtToolBoundaryReissuesTheTurn(t *testing.T) {
	agent := &fakeAgent{script: func(call int, _ Request, ch chan<- Event) {
		if call == 1 {
			ch <- Event{Kind: EventToolUse, ToolUseID: "tu1", ToolName: "bash"}
			ch <- Event{Kind: EventToolResult, ToolUseID: "tu1", ToolResult: "ok"}
			// Dies at the tool-call boundary.
			return
		}
		ch <- Event{Kind: EventTextDelta, Content: "resumed"}
		ch <- Event{Kind: EventResult, Result: &Result{Subtype: "success", NumTurns: 2}}
	}}
	env := newTestEnv(t, agent, time.Minute)

	pr, err := env.pipeline.Prepare(context.Background(), "t1", "c1")
	require.NoError(t, err)

	out := &recorder{}
	rec := env.pipeline.Execute(context.Background(), pr, Request{}, out)

	require.Equal(t, StateSucceeded, rec.State)
	require.Equal(t, 2, env.rt.createCount())
	_, found := out.find("container_recovered")
	require.True(t, found)
	require.Equal(t, "result", out.last().Name)
	require.Equal(t, "success", out.last().Payload.(Result).Subtype)
}

func TestExecutionDeadlineSurfacesTimeout(t *testing.T) {
	agent := &fakeAgent{script: func(_ int, _ Request, ch chan<- Event) {
		time.Sleep(2 * time.Second)
	}}
	env := newTestEnv(t, agent, 50*time.Millisecond)

	pr, err := env.pipeline.Prepare(context.Background(), "t1", "c1")
	require.NoError(t, err)

	out := &recorder{}
	rec := env.pipeline.Execute(context.Background(), pr, Request{}, out)

	require.Equal(t, StateFailed, rec.State)
	errEv, found := out.find("error")
	require.True(t, found)
	require.Equal(t, errs.Timeout, errEv.Payload.(errorPayload).Code)
	require.False(t, env.locks.Held("c1"))
}
