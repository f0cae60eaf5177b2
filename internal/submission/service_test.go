package submission

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/language"
	"github.com/programme-lv/judge/internal/queue"
)

type capturePublisher struct {
	mu   sync.Mutex
	jobs []queue.Job
	fail bool
}

func (p *capturePublisher) Publish(_ context.Context, job queue.Job) error {
	if p.fail {
		return errors.New("broker unreachable")
	}
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newTestService(t *testing.T) (*Service, *MemStore, *capturePublisher) {
	t.Helper()
	store := NewMemStore()
	pub := &capturePublisher{}
	cfg := config.Config{
		DefaultLimits: config.DefaultLimits(),
		NumberOfRuns:  1,
		BatchMaxSize:  20,
		MaxWaitTime:   200 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, pub, language.DefaultRegistry(), cfg, log)
	return svc, store, pub
}

func strp(s string) *string { return &s }

func validRequest() api.CreateSubmissionRequest {
	return api.CreateSubmissionRequest{
		SourceCode: "print(input())",
		LanguageID: 3,
		Stdin:      strp("hello"),
	}
}

func TestCreatePersistsAndEnqueues(t *testing.T) {
	svc, store, pub := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.Token)
	assert.Equal(t, api.StatusInQueue, sub.StatusID)
	assert.Equal(t, 5.0, sub.Limits.CPUTimeLimit)

	stored, err := store.GetByToken(context.Background(), sub.Token)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, stored.ID)

	require.Len(t, pub.jobs, 1)
	assert.Equal(t, sub.Token, pub.jobs[0].Token)
	assert.Equal(t, "print(input())", pub.jobs[0].SourceCode)
}

func TestCreateInvokesCreateHook(t *testing.T) {
	svc, _, _ := newTestService(t)

	var mu sync.Mutex
	var tokens []string
	svc.OnCreate(func(token string) {
		mu.Lock()
		tokens = append(tokens, token)
		mu.Unlock()
	})

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, tokens, 1)
	assert.Equal(t, sub.Token, tokens[0])
}

func TestCreateValidatesBlankFields(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), api.CreateSubmissionRequest{}, false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields["source_code"], "can't be blank")
	assert.Contains(t, verr.Fields["language_id"], "can't be blank")
}

func TestCreateRejectsUnknownLanguage(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := validRequest()
	req.LanguageID = 999

	_, err := svc.Create(context.Background(), req, false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields["language_id"][0], "doesn't exist")
}

func TestCreateDecodesBase64Fields(t *testing.T) {
	svc, _, pub := newTestService(t)

	req := api.CreateSubmissionRequest{
		SourceCode:     base64.StdEncoding.EncodeToString([]byte("print(42)")),
		LanguageID:     3,
		Stdin:          strp(base64.StdEncoding.EncodeToString([]byte("in"))),
		ExpectedOutput: strp(base64.StdEncoding.EncodeToString([]byte("42"))),
	}

	sub, err := svc.Create(context.Background(), req, true)
	require.NoError(t, err)
	assert.Equal(t, "print(42)", sub.SourceCode)
	assert.Equal(t, "in", sub.Stdin)
	assert.Equal(t, "42", *sub.ExpectedOutput)
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, "print(42)", pub.jobs[0].SourceCode)
}

func TestCreateRejectsBadBase64(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := validRequest()
	req.SourceCode = "not-base64!!!"

	_, err := svc.Create(context.Background(), req, true)
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestCreateParsesAdditionalFiles(t *testing.T) {
	svc, _, _ := newTestService(t)

	payload := `[{"path":"lib/util.py","content":"` +
		base64.StdEncoding.EncodeToString([]byte("VALUE = 7")) + `"}]`
	req := validRequest()
	req.AdditionalFiles = strp(base64.StdEncoding.EncodeToString([]byte(payload)))

	sub, err := svc.Create(context.Background(), req, false)
	require.NoError(t, err)
	require.Len(t, sub.AdditionalFiles, 1)
	assert.Equal(t, "lib/util.py", sub.AdditionalFiles[0].Path)
	assert.Equal(t, []byte("VALUE = 7"), sub.AdditionalFiles[0].Content)
}

func TestCreateRejectsTraversalInAdditionalFiles(t *testing.T) {
	svc, _, _ := newTestService(t)

	payload := `[{"path":"../escape.py","content":""}]`
	req := validRequest()
	req.AdditionalFiles = strp(base64.StdEncoding.EncodeToString([]byte(payload)))

	_, err := svc.Create(context.Background(), req, false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "additional_files")
}

func TestCreateRejectsWallBelowCPULimit(t *testing.T) {
	svc, _, _ := newTestService(t)

	cpu := 8.0
	wall := 2.0
	req := validRequest()
	req.CPUTimeLimit = &cpu
	req.WallTimeLimit = &wall

	_, err := svc.Create(context.Background(), req, false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "wall_time_limit")
}

func TestCreateRejectsTestCasesWithStdin(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := validRequest()
	req.TestCases = []api.TestCaseRequest{{Stdin: "1", ExpectedOutput: "2"}}

	_, err := svc.Create(context.Background(), req, false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "test_cases")
}

func TestCreateSurfacesPublishFailure(t *testing.T) {
	svc, _, pub := newTestService(t)
	pub.fail = true

	_, err := svc.Create(context.Background(), validRequest(), false)
	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}

func TestCreateBatchPreservesOrderAndIsolatesFailures(t *testing.T) {
	svc, _, _ := newTestService(t)

	reqs := []api.CreateSubmissionRequest{
		validRequest(),
		{SourceCode: "x", LanguageID: 999},
		validRequest(),
	}
	items, err := svc.CreateBatch(context.Background(), reqs, false)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.NotEmpty(t, items[0].Token)
	assert.Error(t, items[1].Err)
	assert.NotEmpty(t, items[2].Token)
	assert.NotEqual(t, items[0].Token, items[2].Token)
}

func TestCreateBatchRejectsOversizedBatch(t *testing.T) {
	svc, _, _ := newTestService(t)

	reqs := make([]api.CreateSubmissionRequest, 21)
	for i := range reqs {
		reqs[i] = validRequest()
	}
	_, err := svc.CreateBatch(context.Background(), reqs, false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "maximum batch size")
}

func TestGetDefaultProjection(t *testing.T) {
	svc, _, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	view, err := svc.Get(context.Background(), sub.Token, "", false)
	require.NoError(t, err)

	assert.Equal(t, sub.Token, view["token"])
	status := view["status"].(map[string]any)
	assert.Equal(t, api.StatusInQueue, status["id"])
	assert.Equal(t, "In Queue", status["description"])
	assert.Contains(t, view, "stdout")
	assert.NotContains(t, view, "source_code")
}

func TestGetExplicitFieldsAndStar(t *testing.T) {
	svc, _, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	view, err := svc.Get(context.Background(), sub.Token, "token,language", false)
	require.NoError(t, err)
	assert.Len(t, view, 2)
	lang := view["language"].(map[string]any)
	assert.Equal(t, "Python (3.11)", lang["name"])

	all, err := svc.Get(context.Background(), sub.Token, "*", false)
	require.NoError(t, err)
	assert.Contains(t, all, "source_code")
	assert.Contains(t, all, "created_at")
}

func TestGetRejectsUnknownField(t *testing.T) {
	svc, _, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), sub.Token, "token,nope", false)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGetNonUTF8OutputRequiresBase64(t *testing.T) {
	svc, store, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	binary := string([]byte{0x00, 0xff, 0x01})
	sub.Stdout = &binary
	sub.StatusID = api.StatusAccepted
	require.NoError(t, store.Update(context.Background(), sub))

	_, err = svc.Get(context.Background(), sub.Token, "", false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "base64_encoded=true")

	view, err := svc.Get(context.Background(), sub.Token, "", true)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(binary)), view["stdout"])
}

func TestGetServesMultibyteUTF8WithoutBase64(t *testing.T) {
	svc, store, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	accented := "café crème\n日本語\n"
	sub.Stdout = &accented
	sub.StatusID = api.StatusAccepted
	require.NoError(t, store.Update(context.Background(), sub))

	view, err := svc.Get(context.Background(), sub.Token, "", false)
	require.NoError(t, err)
	assert.Equal(t, accented, view["stdout"])
}

func TestGetFormatsTimeAndMemory(t *testing.T) {
	svc, store, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	ms := int64(1234)
	mem := int64(20480)
	sub.TimeMillis = &ms
	sub.MemoryKB = &mem
	require.NoError(t, store.Update(context.Background(), sub))

	view, err := svc.Get(context.Background(), sub.Token, "time,memory", false)
	require.NoError(t, err)
	assert.Equal(t, "1.234", *(view["time"].(*string)))
	assert.Equal(t, &mem, view["memory"])
}

func TestGetUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Get(context.Background(), "missing", "", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetBatchKeepsOrderWithNilForUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	views, err := svc.GetBatch(context.Background(), []string{sub.Token, "missing"}, "token", false)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, sub.Token, views[0]["token"])
	assert.Nil(t, views[1])
}

func TestWaitForCompletionReturnsTerminalView(t *testing.T) {
	svc, store, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		done := sub.Clone()
		done.StatusID = api.StatusAccepted
		_ = store.Update(context.Background(), done)
	}()

	view, err := svc.WaitForCompletion(context.Background(), sub.Token, false)
	require.NoError(t, err)
	status := view["status"].(map[string]any)
	assert.Equal(t, api.StatusAccepted, status["id"])
}

func TestWaitForCompletionTimesOutWithLastView(t *testing.T) {
	svc, _, _ := newTestService(t)

	sub, err := svc.Create(context.Background(), validRequest(), false)
	require.NoError(t, err)

	start := time.Now()
	view, err := svc.WaitForCompletion(context.Background(), sub.Token, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	status := view["status"].(map[string]any)
	assert.Equal(t, api.StatusInQueue, status["id"])
}
