package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/bonscanner/internal/baserow"
	"github.com/zombor/bonscanner/internal/metrics"
	"github.com/zombor/bonscanner/internal/settings"
)

var anyPath = regexp.MustCompile(`.*`)

var _ = Describe("Server", func() {
	var (
		scanner     *mockScanner
		persister   *mockPersister
		audit       *mockAudit
		store       *settings.MemoryStore
		manager     *settings.Manager
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		var err error
		manager, err = settings.NewManager(store)
		Expect(err).NotTo(HaveOccurred())
		service = NewService(Deps{
			Scanner:     scanner,
			Persister:   persister,
			Settings:    manager,
			Audit:       audit,
			IDGenerator: &sequentialIDs{},
		})
		server = NewServerWithMux(service, manager, metrics.New().Handler(), auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, anyPath, server.ServeHTTP)
		}
	}

	BeforeEach(func() {
		scanner = newMockScanner()
		persister = newMockPersister()
		audit = &mockAudit{}
		store = settings.NewMemoryStore(configuredSettings())
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("User-Agent", "ginkgo-browser")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(filename, contentType string, data []byte) *http.Response {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		if contentType != "" {
			header.Set("Content-Type", contentType)
		}
		part, err := writer.CreatePart(header)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return do("POST", "/api/sessions", body, writer.FormDataContentType())
	}

	decodeView := func(resp *http.Response) *View {
		defer resp.Body.Close()
		var view View
		Expect(json.NewDecoder(resp.Body).Decode(&view)).To(Succeed())
		return &view
	}

	decodeError := func(resp *http.Response) errorResponse {
		defer resp.Body.Close()
		var e errorResponse
		Expect(json.NewDecoder(resp.Body).Decode(&e)).To(Succeed())
		return e
	}

	createSession := func() string {
		resp := upload("bon.png", "image/png", pngBytes())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		return decodeView(resp).ID
	}

	Describe("handleIndex", func() {
		It("should return HTML containing the app name", func() {
			resp := do("GET", "/", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Bonnetjes Scanner"))
		})

		It("should return status Method Not Allowed for POST", func() {
			resp := do("POST", "/", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("static assets", func() {
		It("should serve the controllers as JavaScript", func() {
			resp := do("GET", "/static/controllers/camera.js", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/javascript; charset=utf-8"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("track.stop()"))
		})

		It("should lock the save and analyze buttons while either request runs", func() {
			resp := do("GET", "/static/controllers/receipt.js", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("this.el.analyze.disabled = !s || locked || analyzing || saving;"))
			Expect(string(body)).To(ContainSubstring("this.el.save.disabled = !s || locked || analyzing || saving;"))
		})

		It("should serve the stylesheet", func() {
			resp := do("GET", "/static/app.css", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/css"))
		})

		It("should serve the manifest and service worker", func() {
			resp := do("GET", "/manifest.webmanifest", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/manifest+json"))

			resp = do("GET", "/service-worker.js", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("settings", func() {
		It("should return masked settings", func() {
			resp := do("GET", "/api/settings", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body["apiKey"]).To(Equal("••••1234"))
			Expect(body["tableId"]).To(Equal("42"))
			Expect(body["configured"]).To(BeTrue())
			Expect(body["analyzerReady"]).To(BeTrue())
		})

		It("should update settings and keep masked secrets", func() {
			payload := `{"geminiApiKey":"••••-key","apiUrl":"https://baserow.example.com","apiKey":"••••1234","tableId":"77"}`
			resp := do("PUT", "/api/settings", strings.NewReader(payload), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			current := manager.Get()
			Expect(current.TableID).To(Equal("77"))
			Expect(current.BaserowToken).To(Equal("token-1234"))
			Expect(current.GeminiAPIKey).To(Equal("gemini-key"))
			Expect(current.LogTableID).To(BeEmpty())
			stored, err := store.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.TableID).To(Equal("77"))
		})

		It("should reject invalid settings", func() {
			payload := `{"apiUrl":"ftp://nope","apiKey":"t","tableId":"abc"}`
			resp := do("PUT", "/api/settings", strings.NewReader(payload), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp).Code).To(Equal(codeInvalidInput))
			Expect(manager.Get().TableID).To(Equal("42"))
		})

		It("should reject a malformed body", func() {
			resp := do("PUT", "/api/settings", strings.NewReader("{"), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("handleCreateSession", func() {
		It("should return status Created with the session", func() {
			resp := upload("bon.png", "image/png", pngBytes())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			view := decodeView(resp)
			Expect(view.ID).To(Equal("id-1"))
			Expect(view.Analyzed).To(BeFalse())
		})

		It("should guess the type from the extension", func() {
			resp := upload("bon.png", "", pngBytes())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp.Body.Close()
		})

		It("should reject a request without a file", func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			Expect(writer.WriteField("other", "x")).To(Succeed())
			Expect(writer.Close()).To(Succeed())
			resp := do("POST", "/api/sessions", body, writer.FormDataContentType())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			e := decodeError(resp)
			Expect(e.Error).To(Equal(ErrNoImage.Error()))
			Expect(e.Code).To(Equal(codeInvalidInput))
		})

		When("the file is over the upload limit", func() {
			BeforeEach(func() {
				server.maxUpload = 1 << 10
			})

			It("should return status Request Entity Too Large with the real limit", func() {
				resp := upload("bon.png", "image/png", bytes.Repeat([]byte{0x89}, 1<<10+1))
				Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
				e := decodeError(resp)
				Expect(e.Code).To(Equal(codeInvalidInput))
				Expect(e.Error).To(ContainSubstring("Maximum size is 1KB"))
			})

			It("should accept a file of exactly the limit", func() {
				resp := upload("bon.png", "image/png", bytes.Repeat([]byte{0x89}, 1<<10))
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		It("should reject a file that is not an image", func() {
			resp := upload("notes.txt", "text/plain", []byte("hello"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp).Error).To(Equal(ErrUnreadableImage.Error()))
		})
	})

	Describe("handleGetSession", func() {
		It("should return the session", func() {
			id := createSession()
			resp := do("GET", "/api/sessions/"+id, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeView(resp).ID).To(Equal(id))
		})

		It("should return status Not Found for an unknown session", func() {
			resp := do("GET", "/api/sessions/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(decodeError(resp).Code).To(Equal(codeNotFound))
		})
	})

	Describe("handleDeleteSession", func() {
		It("should return status No Content", func() {
			id := createSession()
			resp := do("DELETE", "/api/sessions/"+id, nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(service.Sessions()).To(Equal(0))
		})
	})

	Describe("handleAnalyze", func() {
		It("should return the analyzed session", func() {
			scanner.data = itemizedReceipt()
			id := createSession()
			resp := do("POST", "/api/sessions/"+id+"/analyze", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			view := decodeView(resp)
			Expect(view.Analyzed).To(BeTrue())
			Expect(view.Itemized).To(BeTrue())
			Expect(view.Totals.TotalAmount).To(Equal(15.0))
		})

		It("should pass the browser user agent to the audit log", func() {
			id := createSession()
			resp := do("POST", "/api/sessions/"+id+"/analyze", nil, "")
			resp.Body.Close()
			Expect(audit.entries).NotTo(BeEmpty())
			Expect(audit.entries[0].UserAgent).To(Equal("ginkgo-browser"))
		})

		It("should return status Bad Gateway when the analyzer fails", func() {
			scanner.err = errors.New("model overloaded")
			id := createSession()
			resp := do("POST", "/api/sessions/"+id+"/analyze", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			e := decodeError(resp)
			Expect(e.Code).To(Equal(codeAnalyzerFailed))
			Expect(e.Error).To(Equal(ErrAnalysisFailed.Error()))
		})

		It("should return status Precondition Required without an API key", func() {
			scanner.requiresKey = true
			s := configuredSettings()
			s.GeminiAPIKey = ""
			store = settings.NewMemoryStore(s)
			setupServer()

			id := createSession()
			resp := do("POST", "/api/sessions/"+id+"/analyze", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusPreconditionRequired))
			Expect(decodeError(resp).Code).To(Equal(codeSettingsRequired))
		})
	})

	Describe("handleToggleItem", func() {
		var (
			id   string
			view *View
		)

		BeforeEach(func() {
			scanner.data = itemizedReceipt()
			id = createSession()
			view = decodeView(do("POST", "/api/sessions/"+id+"/analyze", nil, ""))
		})

		It("should return recomputed totals", func() {
			resp := do("POST", "/api/sessions/"+id+"/items/"+view.Items[1].ID+"/toggle", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			toggled := decodeView(resp)
			Expect(toggled.Totals.TotalAmount).To(Equal(10.0))
			Expect(toggled.SelectedCount).To(Equal(1))
		})

		It("should return status Unprocessable Entity for the last item with the unchanged session", func() {
			resp := do("POST", "/api/sessions/"+id+"/items/"+view.Items[1].ID+"/toggle", nil, "")
			resp.Body.Close()

			resp = do("POST", "/api/sessions/"+id+"/items/"+view.Items[0].ID+"/toggle", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			e := decodeError(resp)
			Expect(e.Code).To(Equal(codeValidation))
			Expect(e.Session).NotTo(BeNil())
			Expect(e.Session.SelectedCount).To(Equal(1))
		})

		It("should return status Not Found for an unknown item", func() {
			resp := do("POST", "/api/sessions/"+id+"/items/nope/toggle", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("handleSave", func() {
		var id string

		BeforeEach(func() {
			id = createSession()
			resp := do("POST", "/api/sessions/"+id+"/analyze", nil, "")
			resp.Body.Close()
		})

		It("should save the receipt", func() {
			resp := do("POST", "/api/sessions/"+id+"/save", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeView(resp).Save.Status).To(Equal(SaveSuccess))
			Expect(persister.Calls()).To(Equal(1))
		})

		It("should return status Conflict on a second save", func() {
			resp := do("POST", "/api/sessions/"+id+"/save", nil, "")
			resp.Body.Close()
			resp = do("POST", "/api/sessions/"+id+"/save", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(decodeError(resp).Code).To(Equal(codeConflict))
			Expect(persister.Calls()).To(Equal(1))
		})

		It("should return Baserow's detail when saving fails", func() {
			persister.err = &baserow.APIError{StatusCode: 401, Detail: "Invalid token"}
			resp := do("POST", "/api/sessions/"+id+"/save", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			e := decodeError(resp)
			Expect(e.Code).To(Equal(codeSaveFailed))
			Expect(e.Error).To(Equal("Saving to Baserow failed: Invalid token"))
			Expect(e.Session.Save.Status).To(Equal(SaveError))
		})

		It("should return status Conflict while the receipt is analyzed again", func() {
			scanner.started = make(chan struct{})
			scanner.release = make(chan struct{})
			done := make(chan int, 1)
			go func() {
				defer GinkgoRecover()
				resp := do("POST", "/api/sessions/"+id+"/analyze", nil, "")
				resp.Body.Close()
				done <- resp.StatusCode
			}()
			Eventually(scanner.started).Should(BeClosed())

			resp := do("POST", "/api/sessions/"+id+"/save", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(decodeError(resp).Code).To(Equal(codeConflict))
			Expect(persister.Calls()).To(Equal(0))

			scanner.mu.Lock()
			scanner.started = nil
			scanner.mu.Unlock()
			close(scanner.release)
			Eventually(done).Should(Receive(Equal(http.StatusOK)))
		})

		When("persistence is not configured", func() {
			BeforeEach(func() {
				_, err := manager.Update(settings.Settings{GeminiAPIKey: "gemini-key"})
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return status Precondition Required", func() {
				resp := do("POST", "/api/sessions/"+id+"/save", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusPreconditionRequired))
				Expect(decodeError(resp).Code).To(Equal(codeSettingsRequired))
				Expect(persister.Calls()).To(Equal(0))
			})
		})
	})

	Describe("operations", func() {
		It("should report health", func() {
			resp := do("GET", "/healthz", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should expose metrics", func() {
			resp := do("GET", "/metrics", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("go_goroutines"))
		})

		It("should answer CORS preflight requests", func() {
			resp := do("OPTIONS", "/api/sessions", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("authenticate", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
			setupServer()
		})

		It("should allow valid credentials", func() {
			req, err := http.NewRequest("GET", "/", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")))
			Expect(server.authenticate(req)).To(BeTrue())
		})

		It("should refuse a wrong password", func() {
			req, err := http.NewRequest("GET", "/", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "nope")
			Expect(server.authenticate(req)).To(BeFalse())
		})

		It("should refuse a request without credentials", func() {
			req, err := http.NewRequest("GET", "/", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.authenticate(req)).To(BeFalse())
		})
	})

	Describe("requireAuth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
			setupServer()
		})

		It("should return status Unauthorized with a challenge", func() {
			resp := do("GET", "/api/settings", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should leave health checks open", func() {
			resp := do("GET", "/healthz", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
