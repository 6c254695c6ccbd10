package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/vbmedia/packline/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "key", "secret", discardLogger())
	c.http = srv.Client()
	return c
}

func TestUploadRetriesEmptyResponse(t *testing.T) {
	var creates atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/videos/create", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("api_key"); got != "key" {
			t.Errorf("api key not sent: %q", got)
		}
		if r.URL.Query().Get("api_signature") == "" {
			t.Error("request not signed")
		}

		if creates.Add(1) < 3 {
			json.NewEncoder(w).Encode(map[string]string{
				"status": "error",
				"code":   "EmptyResponse",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"video":  map[string]string{"key": "vid-1"},
		})
	})
	mux.HandleFunc("/videos/thumbnails/update", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"link":   "",
		})
	})

	c := newTestClient(t, mux)

	key, err := c.Upload(context.Background(), &UploadRequest{
		Title:       "sunrise-motors_sam-lee",
		DownloadURL: "http://render.example.com/final.mp4",
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if key != "vid-1" {
		t.Errorf("expected vid-1, got %q", key)
	}
	if creates.Load() != 3 {
		t.Errorf("expected 3 create calls, got %d", creates.Load())
	}
}

func TestUploadPermanentError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/videos/create", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "error",
			"code":    "NotFound",
			"message": "no such account",
		})
	})

	c := newTestClient(t, mux)

	_, err := c.Upload(context.Background(), &UploadRequest{DownloadURL: "http://x/v.mp4"})
	var interrupt *model.InterruptError
	if !errors.As(err, &interrupt) {
		t.Errorf("expected InterruptError, got %v", err)
	}
}

func TestUploadSendsThumbnail(t *testing.T) {
	var thumbUploaded atomic.Bool
	var srvURL string

	mux := http.NewServeMux()
	mux.HandleFunc("/videos/create", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"video":  map[string]string{"key": "vid-2"},
		})
	})
	mux.HandleFunc("/videos/thumbnails/update", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"link":   srvURL + "/upload",
		})
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("bad multipart upload: %v", err)
		}
		thumbUploaded.Store(true)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c := NewClient(srv.URL, "key", "secret", discardLogger())
	c.http = srv.Client()

	thumbPath := filepath.Join(t.TempDir(), "thumb.jpg")
	if err := os.WriteFile(thumbPath, []byte("jpeg-bytes"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := c.Upload(context.Background(), &UploadRequest{
		DownloadURL:   "http://x/v.mp4",
		ThumbnailPath: thumbPath,
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !thumbUploaded.Load() {
		t.Error("thumbnail was not uploaded")
	}
}

func isReadyWith(t *testing.T, video map[string]any, conversions []map[string]any) (bool, error) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/videos/show", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "video": video})
	})
	mux.HandleFunc("/videos/conversions/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "conversions": conversions})
	})

	c := newTestClient(t, mux)
	return c.IsReady(context.Background(), "vid-1")
}

func TestIsReadyAllConversionsDone(t *testing.T) {
	ready, err := isReadyWith(t,
		map[string]any{"key": "vid-1", "status": "ready"},
		[]map[string]any{
			{"status": "Ready", "required": true},
			{"status": "Queued", "required": false},
		},
	)
	if err != nil {
		t.Fatalf("IsReady failed: %v", err)
	}
	if !ready {
		t.Error("expected ready: optional conversions may lag")
	}
}

func TestIsReadyRequiredConversionPending(t *testing.T) {
	ready, err := isReadyWith(t,
		map[string]any{"key": "vid-1", "status": "ready"},
		[]map[string]any{
			{"status": "Queued", "required": true},
		},
	)
	if err != nil {
		t.Fatalf("IsReady failed: %v", err)
	}
	if ready {
		t.Error("required pending conversion must not be ready")
	}
}

func TestIsReadyNoConversionsYet(t *testing.T) {
	ready, err := isReadyWith(t,
		map[string]any{"key": "vid-1", "status": "ready"},
		nil,
	)
	if err != nil {
		t.Fatalf("IsReady failed: %v", err)
	}
	if ready {
		t.Error("no conversions yet must not be ready")
	}
}

func TestIsReadyConversionError(t *testing.T) {
	_, err := isReadyWith(t,
		map[string]any{"key": "vid-1", "status": "ready"},
		[]map[string]any{
			{"status": "Failed", "required": true, "error": "codec exploded"},
		},
	)
	var interrupt *model.InterruptError
	if !errors.As(err, &interrupt) {
		t.Errorf("expected InterruptError, got %v", err)
	}
}

func TestIsReadyStorageLimit(t *testing.T) {
	_, err := isReadyWith(t,
		map[string]any{
			"key":    "vid-1",
			"status": "failed",
			"error":  map[string]string{"message": "content storage limit exceeded"},
		},
		nil,
	)
	var interrupt *model.InterruptError
	if !errors.As(err, &interrupt) {
		t.Errorf("expected InterruptError for storage limit, got %v", err)
	}
}

func TestIsReadyTransientFailure(t *testing.T) {
	_, err := isReadyWith(t,
		map[string]any{
			"key":    "vid-1",
			"status": "failed",
			"error":  map[string]string{"message": "worker died"},
		},
		nil,
	)
	var restart *model.RestartError
	if !errors.As(err, &restart) {
		t.Errorf("expected RestartError, got %v", err)
	}
}

func TestIsReadyStillProcessing(t *testing.T) {
	ready, err := isReadyWith(t,
		map[string]any{"key": "vid-1", "status": "processing"},
		nil,
	)
	if err != nil {
		t.Fatalf("IsReady failed: %v", err)
	}
	if ready {
		t.Error("processing video must not be ready")
	}
}

func TestVideoTitle(t *testing.T) {
	got := VideoTitle("Sunrise Motors", "Sam Lee", "", "sam@example.com")
	want := "sunrise-motors_sam-lee_sam@example.com"
	if got != want {
		t.Errorf("VideoTitle() = %q, want %q", got, want)
	}
}
