package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ubuygold/gpugate/internal/config"
	"github.com/ubuygold/gpugate/internal/gateway"
	"github.com/ubuygold/gpugate/internal/logger"
	"github.com/ubuygold/gpugate/internal/model"
	"github.com/ubuygold/gpugate/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var pngBase64 = base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfake"))

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	args := m.Called(ctx, req)
	if res := args.Get(0); res != nil {
		return res.(*gateway.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

type stubRecorder struct {
	mu      sync.Mutex
	entries []model.RequestLog
}

func (s *stubRecorder) Record(entry model.RequestLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *stubRecorder) all() []model.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RequestLog(nil), s.entries...)
}

func testSettings() Settings {
	return Settings{
		DefaultModel:  "qwen2.5vl:7b",
		DefaultPrompt: "Read all text in the image.",
		Temperature:   0.1,
		TopP:          0.9,
	}
}

func TestRecognize_Success(t *testing.T) {
	completer := new(MockCompleter)
	recorder := &stubRecorder{}
	svc := NewService(completer, recorder, testSettings(), logger.Discard())

	completer.On("Complete", mock.Anything, mock.MatchedBy(func(req gateway.Request) bool {
		return req.Model == "qwen2.5vl:7b" &&
			req.Prompt == "Read all text in the image." &&
			!req.Stream &&
			len(req.Images) == 1 && req.Images[0] == pngBase64 &&
			req.Options["temperature"] == 0.1 && req.Options["top_p"] == 0.9
	})).Return(&gateway.Result{Model: "qwen2.5vl:7b", Text: "  Hello World \n"}, nil).Once()

	res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: pngBase64})

	assert.True(t, res.Success)
	assert.Equal(t, "Hello World", res.OCRText)
	assert.Equal(t, "qwen2.5vl:7b", res.ModelUsed)
	assert.Nil(t, res.Error)
	assert.GreaterOrEqual(t, res.ProcessingTimeMs, 0.0)
	completer.AssertExpectations(t)

	entries := recorder.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Owner)
	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, "[OCR] Read all text in the image....", entries[0].Prompt)
	assert.Equal(t, "Hello World", entries[0].Response)
}

func TestRecognize_EmptyTextIsNoTextDetected(t *testing.T) {
	completer := new(MockCompleter)
	svc := NewService(completer, &stubRecorder{}, testSettings(), logger.Discard())
	completer.On("Complete", mock.Anything, mock.Anything).Return(&gateway.Result{Model: "qwen2.5vl:7b", Text: "   \n\t"}, nil)

	res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: pngBase64})

	assert.True(t, res.Success)
	assert.Equal(t, NoTextDetected, res.OCRText)
	assert.Nil(t, res.Error)
}

func TestRecognize_StripsDataURLPrefix(t *testing.T) {
	completer := new(MockCompleter)
	svc := NewService(completer, nil, testSettings(), logger.Discard())
	completer.On("Complete", mock.Anything, mock.MatchedBy(func(req gateway.Request) bool {
		return len(req.Images) == 1 && req.Images[0] == pngBase64
	})).Return(&gateway.Result{Model: "qwen2.5vl:7b", Text: "ok"}, nil).Once()

	res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: "data:image/png;base64," + pngBase64})

	assert.True(t, res.Success)
	completer.AssertExpectations(t)
}

func TestRecognize_InvalidBase64MakesNoCall(t *testing.T) {
	completer := new(MockCompleter)
	svc := NewService(completer, nil, testSettings(), logger.Discard())

	res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: "not base64!!"})

	assert.False(t, res.Success)
	assert.Empty(t, res.OCRText)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "Invalid image")
	completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestRecognize_RequestOverrides(t *testing.T) {
	temp, topP := 0.5, 0.3
	completer := new(MockCompleter)
	svc := NewService(completer, nil, testSettings(), logger.Discard())
	completer.On("Complete", mock.Anything, mock.MatchedBy(func(req gateway.Request) bool {
		return req.Prompt == "only numbers" && req.Options["temperature"] == 0.5 && req.Options["top_p"] == 0.3
	})).Return(&gateway.Result{Model: "qwen2.5vl:7b", Text: "42"}, nil).Once()

	res := svc.Recognize(context.Background(), "alice", "req-1", Request{
		ImageBase64: pngBase64,
		Prompt:      "only numbers",
		Temperature: &temp,
		TopP:        &topP,
	})

	assert.True(t, res.Success)
	completer.AssertExpectations(t)
}

func TestRecognize_ModelOverride(t *testing.T) {
	t.Run("ignored when not allowed", func(t *testing.T) {
		completer := new(MockCompleter)
		svc := NewService(completer, nil, testSettings(), logger.Discard())
		completer.On("Complete", mock.Anything, mock.MatchedBy(func(req gateway.Request) bool {
			return req.Model == "qwen2.5vl:7b"
		})).Return(&gateway.Result{Model: "qwen2.5vl:7b", Text: "x"}, nil).Once()

		res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: pngBase64, Model: "llava:13b"})
		assert.Equal(t, "qwen2.5vl:7b", res.ModelUsed)
		completer.AssertExpectations(t)
	})

	t.Run("honored when allowed", func(t *testing.T) {
		settings := testSettings()
		settings.AllowModelOverride = true
		completer := new(MockCompleter)
		svc := NewService(completer, nil, settings, logger.Discard())
		completer.On("Complete", mock.Anything, mock.MatchedBy(func(req gateway.Request) bool {
			return req.Model == "llava:13b"
		})).Return(&gateway.Result{Model: "llava:13b", Text: "x"}, nil).Once()

		res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: pngBase64, Model: " LLaVA:13b "})
		assert.Equal(t, "llava:13b", res.ModelUsed)
		completer.AssertExpectations(t)
	})
}

func TestRecognize_FailuresAreStructured(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		message string
	}{
		{"timeout", &gateway.TimeoutError{Timeout: 300 * time.Second}, "OCR processing timeout (300s exceeded)"},
		{"unreachable", &gateway.UnreachableError{Backend: "http://gpu0", Err: errors.New("connection refused")}, "Network error: connection refused"},
		{"status", &gateway.StatusError{StatusCode: 500, Body: "boom"}, "Backend error: backend returned status 500: boom"},
		{"unsupported", &gateway.UnsupportedModelError{Model: "x", Supported: []string{"y"}}, "unsupported model"},
		{"unexpected", errors.New("kaboom"), "Server error: kaboom"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			completer := new(MockCompleter)
			recorder := &stubRecorder{}
			svc := NewService(completer, recorder, testSettings(), logger.Discard())
			completer.On("Complete", mock.Anything, mock.Anything).Return(nil, tc.err)

			res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: pngBase64})

			assert.False(t, res.Success)
			assert.Empty(t, res.OCRText)
			assert.Equal(t, "qwen2.5vl:7b", res.ModelUsed)
			require.NotNil(t, res.Error)
			assert.Contains(t, *res.Error, tc.message)
			assert.GreaterOrEqual(t, res.ProcessingTimeMs, 0.0)
			assert.Empty(t, recorder.all())
		})
	}
}

func TestRecognize_ResultJSONHasNullError(t *testing.T) {
	completer := new(MockCompleter)
	svc := NewService(completer, nil, testSettings(), logger.Discard())
	completer.On("Complete", mock.Anything, mock.Anything).Return(&gateway.Result{Model: "qwen2.5vl:7b", Text: "hi"}, nil)

	raw, err := json.Marshal(svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: pngBase64}))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Contains(t, body, "error")
	assert.Nil(t, body["error"])
	assert.Equal(t, true, body["success"])
}

func TestRecognize_LogTruncation(t *testing.T) {
	completer := new(MockCompleter)
	recorder := &stubRecorder{}
	svc := NewService(completer, recorder, testSettings(), logger.Discard())
	longText := strings.Repeat("가", 800)
	completer.On("Complete", mock.Anything, mock.Anything).Return(&gateway.Result{Model: "qwen2.5vl:7b", Text: longText}, nil)

	res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: pngBase64, Prompt: strings.Repeat("p", 300)})

	assert.Equal(t, longText, res.OCRText)
	entries := recorder.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "[OCR] "+strings.Repeat("p", 100)+"...", entries[0].Prompt)
	assert.Equal(t, 500, len([]rune(entries[0].Response)))
}

func TestRecognizeFile(t *testing.T) {
	t.Run("non-image is rejected before reading", func(t *testing.T) {
		completer := new(MockCompleter)
		svc := NewService(completer, nil, testSettings(), logger.Discard())
		reader := &countingReader{r: strings.NewReader("hello")}

		_, err := svc.RecognizeFile(context.Background(), "alice", "req-1", "text/plain", reader, Request{})

		assert.ErrorIs(t, err, ErrNotImage)
		assert.Zero(t, reader.reads)
		completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	})

	t.Run("image is encoded and recognized", func(t *testing.T) {
		raw := []byte("\x89PNG\r\n\x1a\nfake")
		completer := new(MockCompleter)
		svc := NewService(completer, nil, testSettings(), logger.Discard())
		completer.On("Complete", mock.Anything, mock.MatchedBy(func(req gateway.Request) bool {
			return len(req.Images) == 1 && req.Images[0] == base64.StdEncoding.EncodeToString(raw)
		})).Return(&gateway.Result{Model: "qwen2.5vl:7b", Text: "text"}, nil).Once()

		res, err := svc.RecognizeFile(context.Background(), "alice", "req-1", "image/png", bytes.NewReader(raw), Request{})

		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "text", res.OCRText)
		completer.AssertExpectations(t)
	})

	t.Run("read failure is a structured error", func(t *testing.T) {
		completer := new(MockCompleter)
		svc := NewService(completer, nil, testSettings(), logger.Discard())

		res, err := svc.RecognizeFile(context.Background(), "alice", "req-1", "image/jpeg", failingReader{}, Request{})

		require.NoError(t, err)
		assert.False(t, res.Success)
		require.NotNil(t, res.Error)
		assert.Contains(t, *res.Error, "File processing error")
	})
}

// The timeout path end to end: a slow backend behind a real dispatcher still yields a 200-style result.
func TestRecognize_TimeoutThroughDispatcher(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	reg, err := registry.New([]config.BackendConfig{
		{URL: backend.URL, Style: config.StyleGenerate, Models: []string{"qwen2.5vl:7b"}},
	})
	require.NoError(t, err)
	dispatcher := gateway.NewDispatcher(reg, backend.Client(), 50*time.Millisecond, nil, logger.Discard())
	svc := NewService(dispatcher, nil, testSettings(), logger.Discard())

	res := svc.Recognize(context.Background(), "alice", "req-1", Request{ImageBase64: pngBase64})

	assert.False(t, res.Success)
	assert.Empty(t, res.OCRText)
	require.NotNil(t, res.Error)
	assert.Equal(t, "OCR processing timeout (0.05s exceeded)", *res.Error)
	assert.GreaterOrEqual(t, res.ProcessingTimeMs, 40.0)
}

type countingReader struct {
	r     io.Reader
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++
	return c.r.Read(p)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}
