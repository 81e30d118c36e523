package receipt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/palbudget/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		ctx           context.Context
		db            *BoltDB
		repo          *Repository
		storage       *mockStorage
		analyzer      *mockAnalyzer
		notifications *NotificationLog
		inbox         *Inbox
		service       *Service
		server        *Server
		auth          BasicAuth
		ghttpServer   *ghttp.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		repo = NewRepository(db)
		storage = newMockStorage()
		analyzer = &mockAnalyzer{}
		notifications = NewNotificationLog()
		inbox = NewInbox(analyzer, &mockEncoder{errs: map[string]error{}}, repo, notifications)
		service = NewServiceWithDeps(repo, inbox, storage, &mockIDGenerator{id: "0b1c"}, &defaultTimeSource{})
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(service, notifications, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghttpServer.Close()
		db.Close()
	})

	do := func(method, path string, body io.Reader, header http.Header) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	doJSON := func(method, path string, v any) *http.Response {
		data, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return do(method, path, bytes.NewReader(data), http.Header{"Content-Type": []string{"application/json"}})
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(filename string, data []byte) *http.Response {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return do(http.MethodPost, "/api/images", &body, http.Header{"Content-Type": []string{writer.FormDataContentType()}})
	}

	store := func(uri string) {
		storage.files[uri] = pngBytes()
		Expect(repo.AddImages(ctx, ImageReference{URI: uri, DateCreated: 1})).To(Succeed())
		Expect(repo.UpdateAnalysis(ctx, uri, groceryAnalysis())).To(Succeed())
	}

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "pal", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp := do(http.MethodGet, "/api/receipts", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(Equal(`Basic realm="PalBudget"`))
		})

		It("should reject wrong credentials", func() {
			token := base64.StdEncoding.EncodeToString([]byte("pal:wrong"))
			resp := do(http.MethodGet, "/api/receipts", nil, http.Header{"Authorization": []string{"Basic " + token}})
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept the configured credentials", func() {
			token := base64.StdEncoding.EncodeToString([]byte("pal:secret"))
			resp := do(http.MethodGet, "/api/receipts", nil, http.Header{"Authorization": []string{"Basic " + token}})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should answer preflight requests without credentials", func() {
			resp := do(http.MethodOptions, "/api/receipts", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
		})
	})

	Describe("POST /api/images", func() {
		It("should import the image into the inbox", func() {
			resp := upload("Lunch Receipt.png", pngBytes())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var ref ImageReference
			decode(resp, &ref)
			Expect(ref.URI).To(Equal("0b1c_Lunch-Receipt.png"))
			Expect(inbox.Has(ref.URI)).To(BeTrue())
		})

		It("should reject files that are not images", func() {
			resp := upload("notes.txt", []byte("hello"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body map[string]string
			decode(resp, &body)
			Expect(body["error"]).To(ContainSubstring("unsupported image format"))
		})

		It("should require a file", func() {
			var body bytes.Buffer
			writer := multipart.NewWriter(&body)
			Expect(writer.WriteField("note", "nothing here")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			resp := do(http.MethodPost, "/api/images", &body, http.Header{"Content-Type": []string{writer.FormDataContentType()}})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/images/file", func() {
		It("should return the stored bytes", func() {
			store("0b1c_scan.png")
			resp := do(http.MethodGet, "/api/images/file?uri=0b1c_scan.png", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(pngBytes()))
		})

		It("should require a uri", func() {
			resp := do(http.MethodGet, "/api/images/file", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return not found for a missing file", func() {
			resp := do(http.MethodGet, "/api/images/file?uri=missing.png", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/images", func() {
		It("should list stored images", func() {
			store("a.png")
			resp := do(http.MethodGet, "/api/images", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var images []ImageWithAnalysis
			decode(resp, &images)
			Expect(images).To(HaveLen(1))
			Expect(images[0].Analysis.Category).To(Equal(CategoryGroceries))
		})
	})

	Describe("the inbox", func() {
		JustBeforeEach(func() {
			inbox.AddImages(ImageReference{URI: "a.png", DateCreated: 1}, ImageReference{URI: "b.png", DateCreated: 2})
		})

		It("should list pending images", func() {
			resp := do(http.MethodGet, "/api/inbox", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Entries   []ImageWithAnalysis `json:"entries"`
				Analyzing bool                `json:"analyzing"`
			}
			decode(resp, &body)
			Expect(body.Analyzing).To(BeFalse())
			Expect(body.Entries).To(HaveLen(2))
			Expect(body.Entries[0].Image.URI).To(Equal("b.png"))
			Expect(body.Entries[0].Status).To(Equal(StatusUnanalyzed))
		})

		It("should start analysis in the background", func() {
			resp := doJSON(http.MethodPost, "/api/inbox/analyze", map[string]any{"uris": []string{"a.png"}})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			Eventually(inbox.IsAnalyzing).Should(BeFalse())
			Eventually(func() ([]ImageWithAnalysis, error) {
				return repo.ListReceipts(ctx)
			}).Should(HaveLen(1))
		})

		It("should report an empty selection", func() {
			resp := doJSON(http.MethodPost, "/api/inbox/analyze", map[string]any{"uris": []string{}})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body map[string]string
			decode(resp, &body)
			Expect(body["error"]).To(Equal("No images selected for analysis"))
		})

		It("should reject a malformed body", func() {
			resp := do(http.MethodPost, "/api/inbox/analyze", strings.NewReader("{"), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("analysis is already running", func() {
			var release chan struct{}

			BeforeEach(func() {
				release = make(chan struct{})
				analyzer.analyze = func(ctx context.Context, uri string) ([]scanning.ImageAnalysis, error) {
					<-release
					return notReceiptResult(), nil
				}
			})

			It("should refuse to start another batch", func() {
				resp := doJSON(http.MethodPost, "/api/inbox/analyze", map[string]any{"uris": []string{"a.png"}})
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				resp = doJSON(http.MethodPost, "/api/inbox/analyze", map[string]any{"uris": []string{"b.png"}})
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))

				close(release)
				Eventually(inbox.IsAnalyzing).Should(BeFalse())
			})
		})

		It("should remove selected images", func() {
			storage.files["a.png"] = pngBytes()
			resp := doJSON(http.MethodPost, "/api/inbox/remove", map[string]any{"uris": []string{"a.png"}})
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(inbox.Has("a.png")).To(BeFalse())
			Expect(storage.has("a.png")).To(BeFalse())
		})

		It("should require a selection to remove", func() {
			resp := doJSON(http.MethodPost, "/api/inbox/remove", map[string]any{"uris": []string{}})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should clear the inbox", func() {
			resp := do(http.MethodDelete, "/api/inbox", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(inbox.Entries()).To(BeEmpty())
		})
	})

	Describe("GET /api/notifications", func() {
		It("should drain pending notifications", func() {
			notifications.Error("Analysis failed: boom")

			resp := do(http.MethodGet, "/api/notifications", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var items []Notification
			decode(resp, &items)
			Expect(items).To(HaveLen(1))
			Expect(items[0].Level).To(Equal(LevelError))
			Expect(items[0].Message).To(Equal("Analysis failed: boom"))

			resp = do(http.MethodGet, "/api/notifications", nil, nil)
			decode(resp, &items)
			Expect(items).To(BeEmpty())
		})
	})

	Describe("receipts", func() {
		BeforeEach(func() {
			store("a.png")
			store("b.png")
		})

		It("should list receipts", func() {
			resp := do(http.MethodGet, "/api/receipts", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var receipts []ImageWithAnalysis
			decode(resp, &receipts)
			Expect(receipts).To(HaveLen(2))
		})

		It("should summarize receipts", func() {
			resp := do(http.MethodGet, "/api/receipts/summary", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var summary Summary
			decode(resp, &summary)
			Expect(summary.Total).To(Equal(1498))
			Expect(summary.Categories).To(HaveLen(1))
			Expect(summary.Categories[0].Count).To(Equal(2))
		})

		It("should export receipts as a spreadsheet", func() {
			resp := do(http.MethodGet, "/api/receipts/export.xlsx", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("receipts.xlsx"))
		})

		It("should remove selected receipts", func() {
			resp := doJSON(http.MethodPost, "/api/receipts/remove", map[string]any{"uris": []string{"a.png"}})
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			receipts, err := repo.ListReceipts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(1))
			Expect(storage.has("a.png")).To(BeFalse())
		})

		It("should remove every receipt", func() {
			resp := do(http.MethodDelete, "/api/receipts", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			receipts, err := repo.ListReceipts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(BeEmpty())
		})
	})
	Describe("snapshot streams", func() {
		var (
			events    chan []ImageWithAnalysis
			endStream func()
		)

		stream := func(path string) {
			ghttpServer.AppendHandlers(server.ServeHTTP)
			reqCtx, cancelReq := context.WithCancel(ctx)
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ghttpServer.URL()+path, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			events = make(chan []ImageWithAnalysis, 16)
			go func() {
				scanner := bufio.NewScanner(resp.Body)
				for scanner.Scan() {
					data, ok := strings.CutPrefix(scanner.Text(), "data: ")
					if !ok {
						continue
					}
					var snapshot []ImageWithAnalysis
					if json.Unmarshal([]byte(data), &snapshot) == nil {
						events <- snapshot
					}
				}
			}()
			endStream = func() {
				cancelReq()
				resp.Body.Close()
			}
		}

		AfterEach(func() {
			// The handler only returns once the client disconnects
			if endStream != nil {
				endStream()
				endStream = nil
			}
		})

		It("should stream stored images as they change", func() {
			stream("/api/images/stream")
			Eventually(events).Should(Receive(BeEmpty()))

			Expect(repo.AddImages(ctx, ImageReference{URI: "a.jpg", DateCreated: 1})).To(Succeed())
			Eventually(events).Should(Receive(ConsistOf(HaveField("Image.URI", "a.jpg"))))

			Expect(repo.RemoveImage(ctx, "a.jpg")).To(Succeed())
			Eventually(events).Should(Receive(BeEmpty()))
		})

		It("should only stream confirmed receipts", func() {
			stream("/api/receipts/stream")
			Eventually(events).Should(Receive(BeEmpty()))

			Expect(repo.AddImages(ctx, ImageReference{URI: "pending.jpg", DateCreated: 2})).To(Succeed())
			store("a.jpg")
			Eventually(events).Should(Receive(ConsistOf(
				And(HaveField("Image.URI", "a.jpg"), HaveField("Status", StatusConfirmed)),
			)))
		})

		When("credentials are required", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "pal", Password: "secret"}
			})

			It("should reject the stream without them", func() {
				resp := do(http.MethodGet, "/api/receipts/stream", nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})
	})
})
