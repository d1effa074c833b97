package httpapi

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"silexa/substrate/internal/container"
	"silexa/substrate/internal/lock"
	"silexa/substrate/internal/objectstore"
	"silexa/substrate/internal/run"
	"silexa/substrate/internal/workspace"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	mimes   map[string]string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}, mimes: map[string]string{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.mimes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
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
	return &s3.HeadObjectOutput{ContentLength: &size, ContentType: aws.String(f.mimes[aws.ToString(in.Key)])}, nil
}

type scriptedAgent struct {
	mu     sync.Mutex
	script func(req run.Request, ch chan<- run.Event)
}

func (a *scriptedAgent) Stream(_ context.Context, req run.Request) (<-chan run.Event, error) {
	a.mu.Lock()
	script := a.script
	a.mu.Unlock()
	ch := make(chan run.Event, 16)
	go func() {
		defer close(ch)
		script(req, ch)
	}()
	return ch, nil
}

type testEnv struct {
	server  *httptest.Server
	store   *workspace.Store
	rt      *countingRuntime
	baseDir string
}

type countingRuntime struct {
	mu      sync.Mutex
	creates int
}

func (f *countingRuntime) Name() string { return "fake" }
func (f *countingRuntime) Create(_ context.Context, _, _, _, _ string, _ container.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return nil
}
func (f *countingRuntime) Healthy(context.Context, string) bool  { return true }
func (f *countingRuntime) Destroy(context.Context, string) error { return nil }
func (f *countingRuntime) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func newTestServer(t *testing.T, agent run.Agent) *testEnv {
	t.Helper()
	api := newFakeS3()
	gw := objectstore.New(api, "bucket", "workspaces")
	store, err := workspace.Open(filepath.Join(t.TempDir(), "workspace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := &countingRuntime{}
	baseDir := t.TempDir()
	pool := container.NewPool(rt, 2, time.Minute, baseDir, t.TempDir(), container.DefaultPolicy(), zerolog.Nop())
	engine := workspace.NewEngine(gw, zerolog.Nop())
	pipeline := run.NewPipeline(lock.NewRegistry(), pool, engine, store, agent, run.NewTable(0), time.Minute, "", zerolog.Nop())

	srv := NewServer(pipeline, gw, store, engine, pool, time.Hour, 3, nil, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, rt: rt, baseDir: baseDir}
}

func streamBody(t *testing.T, userInput string, fileName string, fileContent []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	reqData, _ := json.Marshal(map[string]any{
		"user_input": userInput,
		"executor":   map[string]string{"user_id": "u1", "name": "Test User", "email": "user@example.com"},
	})
	require.NoError(t, mw.WriteField("request_data", string(reqData)))

	if fileName != "" {
		meta, _ := json.Marshal([]map[string]any{{
			"filename":               fileName,
			"original_name":          strings.TrimSuffix(fileName, "_c3d4.csv") + ".csv",
			"relative_path":          fileName,
			"original_relative_path": fileName,
			"content_type":           "text/csv",
			"size":                   len(fileContent),
		}})
		require.NoError(t, mw.WriteField("file_metadata", string(meta)))
		fw, err := mw.CreateFormFile("files", fileName)
		require.NoError(t, err)
		_, err = fw.Write(fileContent)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadThenListReturnsTheStoredRecord(t *testing.T) {
	agent := &scriptedAgent{script: func(_ run.Request, ch chan<- run.Event) {
		ch <- run.Event{Kind: run.EventResult, Result: &run.Result{Subtype: "success"}}
	}}
	env := newTestServer(t, agent)

	content := bytes.Repeat([]byte("x"), 2048)
	body, contentType := streamBody(t, "summarize the data", "data_c3d4.csv", content)

	resp, err := http.Post(env.server.URL+"/tenants/t1/conversations/C1/stream", contentType, body)
	require.NoError(t, err)
	streamed, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Contains(t, string(streamed), "event: session_start")
	require.Contains(t, string(streamed), "event: result")

	listResp, err := http.Get(env.server.URL + "/tenants/t1/conversations/C1/files")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var listing struct {
		Files []fileView `json:"files"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listing))
	require.Len(t, listing.Files, 1)
	require.Equal(t, "uploads/data_c3d4.csv", listing.Files[0].FilePath)
	require.Equal(t, int64(2048), listing.Files[0].SizeBytes)
	require.Equal(t, "user_upload", listing.Files[0].Source)
}

func TestDownloadRejectsPathTraversal(t *testing.T) {
	agent := &scriptedAgent{script: func(_ run.Request, ch chan<- run.Event) {}}
	env := newTestServer(t, agent)

	resp, err := http.Get(env.server.URL + "/tenants/t1/conversations/C1/files/download?path=../../etc/passwd")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "PATH_TRAVERSAL", payload.Error.Code)
}

func TestConcurrentStreamOnSameConversationIsRejected(t *testing.T) {
	release := make(chan struct{})
	agent := &scriptedAgent{script: func(_ run.Request, ch chan<- run.Event) {
		<-release
		ch <- run.Event{Kind: run.EventResult, Result: &run.Result{Subtype: "success"}}
	}}
	env := newTestServer(t, agent)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		body, contentType := streamBody(t, "first", "", nil)
		resp, err := http.Post(env.server.URL+"/tenants/t1/conversations/C1/stream", contentType, body)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	// Wait until the first run holds the conversation.
	deadline := time.Now().Add(2 * time.Second)
	for env.rt.createCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	body, contentType := streamBody(t, "second", "", nil)
	resp, err := http.Post(env.server.URL+"/tenants/t1/conversations/C1/stream", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "CONVERSATION_LOCKED", payload.Error.Code)
	require.Equal(t, 1, env.rt.createCount(), "no second container may be allocated")

	close(release)
	<-firstDone
}

func TestPresentedFilesViewAfterAgentRun(t *testing.T) {
	var env *testEnv
	agent := &scriptedAgent{script: func(_ run.Request, ch chan<- run.Event) {
		dir := filepath.Join(env.baseDir, "t1", "C1", "outputs")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return
		}
		if err := os.WriteFile(filepath.Join(dir, "report.xlsx"), []byte("xlsx"), 0o640); err != nil {
			return
		}
		ch <- run.Event{Kind: run.EventResult, Result: &run.Result{Subtype: "success"}}
	}}
	env = newTestServer(t, agent)

	body, contentType := streamBody(t, "write the report", "", nil)
	resp, err := http.Post(env.server.URL+"/tenants/t1/conversations/C1/stream", contentType, body)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	presentedResp, err := http.Get(env.server.URL + "/tenants/t1/conversations/C1/files/presented")
	require.NoError(t, err)
	defer presentedResp.Body.Close()

	var listing struct {
		Files []fileView `json:"files"`
	}
	require.NoError(t, json.NewDecoder(presentedResp.Body).Decode(&listing))
	require.Len(t, listing.Files, 1)
	require.Equal(t, "outputs/report.xlsx", listing.Files[0].FilePath)
	require.True(t, listing.Files[0].IsPresented)
	require.Equal(t, "ai_created", listing.Files[0].Source)
}
