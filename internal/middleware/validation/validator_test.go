package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxTrainItems: 2, MaxInferItems: 2}))
	ok := func(c *fiber.Ctx) error { return c.SendString("ok") }
	app.Post("/api/v1/models/train", ok)
	app.Post("/api/v1/models/:id/infer", ok)
	app.Post("/api/v1/models/:id/evaluate", ok)
	app.Post("/api/v1/other", ok)
	app.Get("/api/v1/models/:id/status", ok)
	return app
}

func TestMiddleware(t *testing.T) {
	app := newApp()

	testCases := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        string
		want        int
	}{
		{name: "valid train", path: "/api/v1/models/train", body: `{"data":[{"item":{"text":"a"},"label":true}]}`, want: 200},
		{name: "train with type", path: "/api/v1/models/train", body: `{"model_type":"RAND","iteration":1,"data":[{"item":{"text":"a"},"label":false}]}`, want: 200},
		{name: "missing data", path: "/api/v1/models/train", body: `{}`, want: 400},
		{name: "empty data", path: "/api/v1/models/train", body: `{"data":[]}`, want: 400},
		{name: "too much data", path: "/api/v1/models/train", body: `{"data":[{"item":{},"label":true},{"item":{},"label":true},{"item":{},"label":true}]}`, want: 413},
		{name: "label not bool", path: "/api/v1/models/train", body: `{"data":[{"item":{"text":"a"},"label":"yes"}]}`, want: 400},
		{name: "item not object", path: "/api/v1/models/train", body: `{"data":[{"item":"a","label":true}]}`, want: 400},
		{name: "fractional iteration", path: "/api/v1/models/train", body: `{"iteration":1.5,"data":[{"item":{},"label":true}]}`, want: 400},
		{name: "numeric attribute", path: "/api/v1/models/m1/infer", body: `{"items":[{"text":1}]}`, want: 400},
		{name: "valid infer", path: "/api/v1/models/m1/infer", body: `{"items":[{"text":"a"}],"use_cache":false}`, want: 200},
		{name: "no items", path: "/api/v1/models/m1/infer", body: `{"items":[]}`, want: 400},
		{name: "too many items", path: "/api/v1/models/m1/infer", body: `{"items":[{},{},{}]}`, want: 413},
		{name: "bad use_cache", path: "/api/v1/models/m1/infer", body: `{"items":[{}],"use_cache":"no"}`, want: 400},
		{name: "invalid json", path: "/api/v1/models/m1/infer", body: `{`, want: 400},
		{name: "valid evaluate", path: "/api/v1/models/m1/evaluate", body: `{"data":[{"item":{"text":"a"},"label":true}]}`, want: 200},
		{name: "evaluate without labels", path: "/api/v1/models/m1/evaluate", body: `{"data":[{"item":{"text":"a"}}]}`, want: 400},
		{name: "wrong content type", path: "/api/v1/models/train", contentType: "text/plain", body: `x`, want: 415},
		{name: "unchecked route", path: "/api/v1/other", body: `{}`, want: 200},
		{name: "get passes", method: "GET", path: "/api/v1/models/m1/status", want: 200},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			method := tc.method
			if method == "" {
				method = "POST"
			}
			contentType := tc.contentType
			if contentType == "" {
				contentType = "application/json"
			}

			req := httptest.NewRequest(method, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", contentType)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}
