package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"wanVideoBot/internal/api"
	"wanVideoBot/internal/catalog"
	"wanVideoBot/internal/database"
	"wanVideoBot/internal/generation"
	"wanVideoBot/internal/models"
	"wanVideoBot/internal/service"
	"wanVideoBot/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSubmitter struct{}

func (stubSubmitter) Submit(context.Context, string, generation.Request) (string, error) {
	return "pred-1", nil
}

type stubUploader struct{}

func (stubUploader) PutImage(_ context.Context, userID, name string, r io.Reader, _ int64, contentType string) (string, error) {
	if contentType != "image/png" {
		return "", fmt.Errorf("%w: %s", storage.ErrUnsupportedImage, contentType)
	}
	io.Copy(io.Discard, r)
	return "https://images.example.com/" + userID + "/" + name, nil
}

type fixture struct {
	router *gin.Engine
	store  *database.Store
}

func newFixture(t *testing.T, freeCredits int, opts Options) *fixture {
	t.Helper()
	store, err := database.Open(database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts.Service = service.New(service.Options{Store: store, Submitter: stubSubmitter{}, FreeTierCredits: freeCredits})
	opts.Catalog = catalog.Default()
	opts.Registry = catalog.DefaultRegistry()
	opts.DB = store
	return &fixture{router: New(opts).Router(), store: store}
}

func (f *fixture) do(method, path, user string, body any, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

var validT2V = map[string]any{
	"prompt":     "A lighthouse on a cliff during a thunderstorm",
	"model":      "t2v-14B",
	"resolution": "480p",
	"duration":   5,
	"seed":       9007199254740993,
}

func TestRoutersBuildConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			New(Options{Catalog: catalog.Default(), Registry: catalog.DefaultRegistry()}).Router()
		}()
	}
	wg.Wait()
	if !binding.EnableDecoderUseNumber {
		t.Fatalf("json bodies must decode numbers exactly")
	}
}

func TestHealthAndRoot(t *testing.T) {
	f := newFixture(t, 100, Options{})
	if w := f.do(http.MethodGet, "/health", "", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/", "", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("root = %d", w.Code)
	}
}

func TestSubmitRequiresUser(t *testing.T) {
	f := newFixture(t, 100, Options{})
	w := f.do(http.MethodPost, "/api/generation/text-to-video", "", validT2V, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401", w.Code)
	}
}

func TestSubmitTextToVideo(t *testing.T) {
	f := newFixture(t, 100, Options{})
	w := f.do(http.MethodPost, "/api/generation/text-to-video", "u1", validT2V, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
	body := decode(t, w)
	if body["credits_used"] != float64(10) || body["status"] != "pending" {
		t.Fatalf("body = %v", body)
	}
	if !strings.Contains(w.Body.String(), `"seed":9007199254740993`) {
		t.Fatalf("seed lost precision: %s", w.Body)
	}

	credits := decode(t, f.do(http.MethodGet, "/api/users/credits", "u1", nil, nil))
	if credits["credits"] != float64(90) {
		t.Fatalf("credits = %v", credits)
	}

	id := body["id"].(string)
	if w := f.do(http.MethodGet, "/api/generation/status/"+id, "u1", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("status lookup = %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/generation/status/"+id, "u2", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other user lookup = %d; want 404", w.Code)
	}
	history := decode(t, f.do(http.MethodGet, "/api/generation/history", "u1", nil, nil))
	if len(history["generations"].([]any)) != 1 {
		t.Fatalf("history = %v", history)
	}
	txs := decode(t, f.do(http.MethodGet, "/api/users/transactions", "u1", nil, nil))
	if len(txs["transactions"].([]any)) != 2 {
		t.Fatalf("transactions = %v", txs)
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, 100, Options{})
		w := f.do(http.MethodPost, "/api/generation/image-to-video", "u1", map[string]any{
			"prompt": "short", "model": "i2v-14B", "resolution": "720p", "image_url": "not a url",
		}, nil)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d", w.Code)
		}
		body := decode(t, w)
		errs := body["errors"].(map[string]any)
		if _, ok := errs["prompt"]; !ok {
			t.Fatalf("prompt error missing: %v", errs)
		}
		if _, ok := errs["image_url"]; !ok {
			t.Fatalf("image_url error missing: %v", errs)
		}
		if body["cost"] != float64(25) {
			t.Fatalf("cost = %v", body["cost"])
		}
	})
	t.Run("insufficient credits", func(t *testing.T) {
		f := newFixture(t, 5, Options{})
		w := f.do(http.MethodPost, "/api/generation/text-to-video", "u1", validT2V, nil)
		if w.Code != http.StatusPaymentRequired {
			t.Fatalf("status = %d", w.Code)
		}
	})
	t.Run("bad json", func(t *testing.T) {
		f := newFixture(t, 100, Options{})
		w := f.do(http.MethodPost, "/api/generation/text-to-video", "u1", "{not json", nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
	})
}

func TestValidateEndpoint(t *testing.T) {
	f := newFixture(t, 100, Options{})
	w := f.do(http.MethodPost, "/api/generation/validate/text-to-video", "", validT2V, nil)
	if w.Code != http.StatusOK || decode(t, w)["cost"] != float64(10) {
		t.Fatalf("status = %d body %s", w.Code, w.Body)
	}
	w = f.do(http.MethodPost, "/api/generation/validate/text-to-video", "", map[string]any{"model": "t2v-14B", "resolution": "720p"}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["valid"] != false || body["cost"] != float64(20) {
		t.Fatalf("body = %v", body)
	}
	if w := f.do(http.MethodPost, "/api/generation/validate/audio", "", validT2V, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown mode = %d", w.Code)
	}
}

func TestTemplates(t *testing.T) {
	f := newFixture(t, 100, Options{})
	count := func(query string) int {
		w := f.do(http.MethodGet, "/api/templates"+query, "", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", query, w.Code)
		}
		return len(decode(t, w)["templates"].([]any))
	}
	if n := count(""); n != 40 {
		t.Fatalf("all = %d", n)
	}
	if n := count("?category=animals"); n != 5 {
		t.Fatalf("animals = %d", n)
	}
	if n := count("?featured=true"); n != 4 {
		t.Fatalf("featured = %d", n)
	}
	if n := count("?q=zzqxv"); n != 0 {
		t.Fatalf("no match = %d", n)
	}
	if n := count("?q=noir&category=cinematic"); n == 0 {
		t.Fatalf("noir in cinematic returned nothing")
	}
	if w := f.do(http.MethodGet, "/api/templates?category=horror", "", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad category = %d", w.Code)
	}
	w := f.do(http.MethodGet, "/api/templates/cinematic-2", "", nil, nil)
	if w.Code != http.StatusOK || decode(t, w)["title"] != "Noir Detective" {
		t.Fatalf("template = %d %s", w.Code, w.Body)
	}
	if w := f.do(http.MethodGet, "/api/templates/nope", "", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing template = %d", w.Code)
	}
}

func TestModelsAndCost(t *testing.T) {
	f := newFixture(t, 100, Options{})
	if models := decode(t, f.do(http.MethodGet, "/api/models", "", nil, nil))["models"].([]any); len(models) != 3 {
		t.Fatalf("models = %v", models)
	}
	cases := []struct {
		query string
		want  float64
	}{
		{"?model=t2v-14B&resolution=720p", 20},
		{"?model=i2v-14B&resolution=480p", 15},
		{"?model=t2v-1.3B&resolution=720p", 10},
	}
	for _, c := range cases {
		if got := decode(t, f.do(http.MethodGet, "/api/cost"+c.query, "", nil, nil))["credits"]; got != c.want {
			t.Fatalf("%s: credits = %v; want %v", c.query, got, c.want)
		}
	}
	table := decode(t, f.do(http.MethodGet, "/api/cost", "", nil, nil))
	if len(table["prices"].([]any)) != 5 || table["default"] != float64(10) {
		t.Fatalf("table = %v", table)
	}
}

func TestReplicateWebhook(t *testing.T) {
	const secret = "whsec"
	f := newFixture(t, 100, Options{WebhookSecret: secret})
	if w := f.do(http.MethodPost, "/api/generation/text-to-video", "u1", validT2V, nil); w.Code != http.StatusCreated {
		t.Fatalf("submit = %d", w.Code)
	}

	send := func(payload string, signature string) *httptest.ResponseRecorder {
		return f.do(http.MethodPost, "/api/webhooks/replicate", "", payload, map[string]string{api.SignatureHeader: signature})
	}
	signed := func(payload string) *httptest.ResponseRecorder {
		return send(payload, api.Sign(secret, []byte(payload)))
	}

	done := `{"id":"pred-1","status":"succeeded","output":["https://cdn.example.com/v.mp4"]}`
	if w := send(done, "deadbeef"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature = %d", w.Code)
	}
	w := signed(done)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook = %d %s", w.Code, w.Body)
	}
	if body := decode(t, w); body["status"] != "ok" || body["new_status"] != "completed" {
		t.Fatalf("body = %v", body)
	}

	if body := decode(t, signed(`{"id":"pred-unknown","status":"succeeded"}`)); body["status"] != "ignored" {
		t.Fatalf("unknown prediction = %v", body)
	}
	// A report that beats the job id to the database is matched by the
	// generation id on the webhook URL.
	early := &models.Generation{ID: "g-early", UserID: "u1", Mode: "text-to-video", Prompt: "A quiet harbor at dawn",
		Model: "t2v-1.3B", Resolution: "480p", Duration: 5, CreditsUsed: 5}
	if err := f.store.InsertGeneration(context.Background(), early); err != nil {
		t.Fatalf("InsertGeneration: %v", err)
	}
	failed := `{"id":"pred-early","status":"failed","error":"worker crashed"}`
	w = f.do(http.MethodPost, "/api/webhooks/replicate?generation_id=g-early", "", failed,
		map[string]string{api.SignatureHeader: api.Sign(secret, []byte(failed))})
	if body := decode(t, w); body["status"] != "ok" || body["generation_id"] != "g-early" || body["new_status"] != "failed" {
		t.Fatalf("early report = %d %v", w.Code, body)
	}

	if w := signed(`{"status":"succeeded"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing id = %d", w.Code)
	}
	if w := signed(`{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, 100, Options{AllowedOrigins: []string{"https://app.example.com"}})

	w := f.do(http.MethodOptions, "/api/generation/text-to-video", "", nil, map[string]string{"Origin": "https://app.example.com"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	w = f.do(http.MethodGet, "/api/models", "", nil, map[string]string{"Origin": "https://evil.example.com"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func uploadRequest(t *testing.T, contentType string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="cat.png"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("png-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/image", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(userIDHeader, "u1")
	return req
}

func TestUploadImage(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, 100, Options{})
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, uploadRequest(t, "image/png"))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", w.Code)
		}
	})
	t.Run("stored", func(t *testing.T) {
		f := newFixture(t, 100, Options{Images: stubUploader{}})
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, uploadRequest(t, "image/png"))
		if w.Code != http.StatusCreated || decode(t, w)["url"] != "https://images.example.com/u1/cat.png" {
			t.Fatalf("status = %d body %s", w.Code, w.Body)
		}
	})
	t.Run("unsupported type", func(t *testing.T) {
		f := newFixture(t, 100, Options{Images: stubUploader{}})
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, uploadRequest(t, "image/gif"))
		if w.Code != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d", w.Code)
		}
	})
}
