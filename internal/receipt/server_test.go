package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-review/internal/blob"
	"github.com/zombor/receipt-review/internal/export"
	"github.com/zombor/receipt-review/internal/extraction"
	"github.com/zombor/receipt-review/internal/review"
)

var _ = Describe("Server", func() {
	var (
		extractor  *mockExtractor
		dispatcher *mockDispatcher
		recorder   *mockRecorder
		blobs      *mockBlobStore
		store      *mockSettingsStore
		service    *Service
		auth       BasicAuth
		server     *Server
		testServer *httptest.Server
	)

	BeforeEach(func() {
		extractor = &mockExtractor{record: testRecord()}
		dispatcher = &mockDispatcher{result: &export.Result{Attempted: 2}}
		recorder = &mockRecorder{url: "https://cdn.example.com/feedback.png"}
		blobs = &mockBlobStore{upload: &blob.Upload{
			Key:       "receipts/202403/1_receipt.jpg",
			UploadURL: "https://bucket.example.com/put",
			PublicURL: "https://cdn.example.com/receipts/202403/1_receipt.jpg",
		}}
		store = newMockSettingsStore()
		service = NewService(review.NewSessions(store), extractor, dispatcher, recorder, blobs, store)
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(service, auth, http.NewServeMux())
		testServer = httptest.NewServer(server)
	})

	AfterEach(func() {
		testServer.Close()
	})

	doJSON := func(method, path string, body any) *http.Response {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req, err := http.NewRequest(method, testServer.URL+path, &buf)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(data, v)).To(Succeed())
	}

	createSession := func() string {
		resp := doJSON("POST", "/api/sessions", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var created struct {
			SessionID string `json:"session_id"`
		}
		decode(resp, &created)
		Expect(created.SessionID).NotTo(BeEmpty())
		return created.SessionID
	}

	loadRecord := func(id string) {
		resp := doJSON("POST", "/api/sessions/"+id+"/record", map[string]string{"text": "receipt text"})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()
	}

	Describe("session lifecycle", func() {
		It("creates a session and serves its empty view", func() {
			id := createSession()

			resp := doJSON("GET", "/api/sessions/"+id, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view review.View
			decode(resp, &view)
			Expect(view.Loaded).To(BeFalse())
			Expect(view.Items).To(BeEmpty())
		})

		It("returns 404 for an unknown session", func() {
			resp := doJSON("GET", "/api/sessions/unknown", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("loading a record", func() {
		It("returns the loaded state view", func() {
			id := createSession()
			resp := doJSON("POST", "/api/sessions/"+id+"/record", map[string]string{"text": "receipt text"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view review.View
			decode(resp, &view)
			Expect(view.Loaded).To(BeTrue())
			Expect(view.Items).To(HaveLen(2))
			Expect(view.SelectedTotal).To(Equal(3.95))
		})

		It("rejects an empty text body", func() {
			id := createSession()
			resp := doJSON("POST", "/api/sessions/"+id+"/record", map[string]string{"text": "  "})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		When("the model returns a malformed payload", func() {
			BeforeEach(func() {
				extractor.err = fmt.Errorf("normalizing response: %w", extraction.ErrMalformedPayload)
			})

			It("returns 422", func() {
				id := createSession()
				resp := doJSON("POST", "/api/sessions/"+id+"/record", map[string]string{"text": "receipt text"})
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				resp.Body.Close()
			})
		})
	})

	Describe("review operations", func() {
		var id string

		JustBeforeEach(func() {
			id = createSession()
			loadRecord(id)
		})

		It("sets the review date", func() {
			resp := doJSON("POST", "/api/sessions/"+id+"/date", map[string]string{"date": "2024-04-01"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view review.View
			decode(resp, &view)
			Expect(view.ReceiptDate).To(Equal("2024-04-01"))
			Expect(view.Items[1].Date).To(Equal("2024-04-01"))
		})

		It("rejects a malformed review date", func() {
			resp := doJSON("POST", "/api/sessions/"+id+"/date", map[string]string{"date": "01.04.2024"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("toggles the whole selection", func() {
			resp := doJSON("POST", "/api/sessions/"+id+"/toggle-all", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view review.View
			decode(resp, &view)
			for _, item := range view.Items {
				Expect(item.Selected).To(BeFalse())
			}
			Expect(view.SelectedTotal).To(BeZero())
		})

		It("toggles a single item", func() {
			resp := doJSON("POST", "/api/sessions/"+id+"/items/1/toggle", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view review.View
			decode(resp, &view)
			Expect(view.Items[0].Selected).To(BeTrue())
			Expect(view.Items[1].Selected).To(BeFalse())
			Expect(view.SelectedTotal).To(Equal(1.25))
		})

		It("rejects an out-of-range item index", func() {
			resp := doJSON("POST", "/api/sessions/"+id+"/items/9/toggle", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("rejects a non-numeric item index", func() {
			resp := doJSON("POST", "/api/sessions/"+id+"/items/first/toggle", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("edits an item's price", func() {
			resp := doJSON("PATCH", "/api/sessions/"+id+"/items/0",
				map[string]string{"field": "price", "value": "2.50"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view review.View
			decode(resp, &view)
			Expect(view.Items[0].UnitPrice).To(Equal(2.50))
			Expect(view.SelectedTotal).To(Equal(5.20))
		})

		It("silently keeps the old price for unparseable input", func() {
			resp := doJSON("PATCH", "/api/sessions/"+id+"/items/0",
				map[string]string{"field": "price", "value": "abc"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view review.View
			decode(resp, &view)
			Expect(view.Items[0].UnitPrice).To(Equal(1.25))
		})

		It("rejects an unknown field name", func() {
			resp := doJSON("PATCH", "/api/sessions/"+id+"/items/0",
				map[string]string{"field": "quantity", "value": "2"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("appends a blank item", func() {
			resp := doJSON("POST", "/api/sessions/"+id+"/items", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var view review.View
			decode(resp, &view)
			Expect(view.Items).To(HaveLen(3))
			Expect(view.Items[2].Selected).To(BeTrue())
		})
	})

	Describe("export", func() {
		var id string

		JustBeforeEach(func() {
			id = createSession()
			loadRecord(id)
		})

		It("returns the export result", func() {
			resp := doJSON("POST", "/api/sessions/"+id+"/export", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var result export.Result
			decode(resp, &result)
			Expect(result.Attempted).To(Equal(2))
		})

		When("credentials are missing", func() {
			BeforeEach(func() {
				dispatcher.result = nil
				dispatcher.err = export.ErrMissingCredentials
			})

			It("returns 400", func() {
				resp := doJSON("POST", "/api/sessions/"+id+"/export", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("some rows fail", func() {
			BeforeEach(func() {
				dispatcher.result = &export.Result{
					Attempted: 2,
					Failed:    1,
					Items: []export.ItemResult{
						{Index: 0, Item: "Maito 1L"},
						{Index: 1, Item: "Leipä", Error: "external service failure (status 400): bad request"},
					},
				}
				dispatcher.err = errors.New("1 of 2 rows failed")
			})

			It("returns 502 with the per-item outcomes", func() {
				resp := doJSON("POST", "/api/sessions/"+id+"/export", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				var body struct {
					Error  string        `json:"error"`
					Result export.Result `json:"result"`
				}
				decode(resp, &body)
				Expect(body.Error).To(ContainSubstring("1 of 2 rows failed"))
				Expect(body.Result.Items).To(HaveLen(2))
				Expect(body.Result.Items[1].Error).To(ContainSubstring("status 400"))
			})
		})

		When("the service rejects it outright", func() {
			BeforeEach(func() {
				dispatcher.result = nil
				dispatcher.err = &export.ServiceError{StatusCode: 503, Message: "overloaded"}
			})

			It("returns 502 with the downstream message", func() {
				resp := doJSON("POST", "/api/sessions/"+id+"/export", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				var body map[string]string
				decode(resp, &body)
				Expect(body["error"]).To(ContainSubstring("overloaded"))
			})
		})
	})

	Describe("settings", func() {
		It("reports no token before any are stored", func() {
			resp := doJSON("GET", "/api/settings", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body struct {
				HasToken   bool                `json:"has_token"`
				DatabaseID string              `json:"database_id"`
				Labels     review.FieldMapping `json:"labels"`
			}
			decode(resp, &body)
			Expect(body.HasToken).To(BeFalse())
			Expect(body.Labels.DescriptionLabel).To(Equal("Item"))
		})

		It("stores credentials without echoing the token", func() {
			resp := doJSON("PUT", "/api/settings", map[string]string{
				"notion_token":       "secret",
				"notion_database_id": "db-1",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()

			resp = doJSON("GET", "/api/settings", nil)
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).NotTo(ContainSubstring("secret"))
			Expect(string(body)).To(ContainSubstring(`"has_token":true`))
		})

		It("applies a label rename to a live session", func() {
			id := createSession()
			resp := doJSON("PUT", "/api/settings", map[string]string{
				"session_id":  id,
				"price_label": "Hinta",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()

			resp = doJSON("GET", "/api/sessions/"+id, nil)
			var view review.View
			decode(resp, &view)
			Expect(view.Mapping.PriceLabel).To(Equal("Hinta"))
		})
	})

	Describe("upload URLs", func() {
		It("returns the presigned upload", func() {
			resp := doJSON("GET", "/api/upload-url?filename=receipt.jpg&contentType=image/jpeg", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var upload blob.Upload
			decode(resp, &upload)
			Expect(upload.UploadURL).To(Equal("https://bucket.example.com/put"))
			Expect(upload.PublicURL).To(Equal("https://cdn.example.com/receipts/202403/1_receipt.jpg"))
		})

		It("requires a filename", func() {
			resp := doJSON("GET", "/api/upload-url", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		It("guesses the content type from the extension", func() {
			resp := doJSON("GET", "/api/upload-url?filename=receipt.heic", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
			Expect(blobs.contentType).To(Equal("image/heic"))
		})
	})

	Describe("feedback", func() {
		postFeedback := func(id string) *http.Response {
			var buf bytes.Buffer
			writer := multipart.NewWriter(&buf)
			part, err := writer.CreateFormFile("file", "receipt.png")
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write([]byte("png bytes"))
			Expect(err).NotTo(HaveOccurred())
			Expect(writer.WriteField("session_id", id)).To(Succeed())
			Expect(writer.WriteField("comment", "items were wrong")).To(Succeed())
			Expect(writer.WriteField("ocr_text", "raw receipt text")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			req, err := http.NewRequest("POST", testServer.URL+"/api/feedback", &buf)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", writer.FormDataContentType())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("records the report and returns the image URL", func() {
			id := createSession()
			loadRecord(id)

			resp := postFeedback(id)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var body map[string]string
			decode(resp, &body)
			Expect(body["image_url"]).To(Equal("https://cdn.example.com/feedback.png"))
			Expect(recorder.comment).To(Equal("items were wrong"))
			Expect(recorder.processedData).To(ContainSubstring("Maito 1L"))
		})

		When("the upload fails", func() {
			BeforeEach(func() {
				recorder.err = fmt.Errorf("%w: bucket unavailable", blob.ErrUploadFailed)
			})

			It("returns 502 with an upload-specific message", func() {
				id := createSession()
				resp := postFeedback(id)
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				var body map[string]string
				decode(resp, &body)
				Expect(body["error"]).To(ContainSubstring("Image upload failed"))
			})
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
		})

		It("rejects requests without credentials", func() {
			resp := doJSON("POST", "/api/sessions", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			resp.Body.Close()
		})

		It("accepts requests with the configured credentials", func() {
			req, err := http.NewRequest("POST", testServer.URL+"/api/sessions", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp.Body.Close()
		})
	})
})
