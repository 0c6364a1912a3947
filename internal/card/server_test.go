package card

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

// pngBytes renders a small valid PNG for multipart uploads.
func pngBytes(fill color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

// captureForm builds a multipart body with the given file fields.
func captureForm(files map[string][]byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, data := range files {
		part, err := writer.CreateFormFile(field, field+".png")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		store       *mockObjectStore
		records     *mockRecords
		extractor   *mockExtractor
		snapshots   *mockSnapshotStore
		pipeline    *Pipeline
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	BeforeEach(func() {
		store = &mockObjectStore{}
		records = newMockRecords()
		extractor = newMockExtractor()
		snapshots = &mockSnapshotStore{}
		auth = BasicAuth{}

		cfg := Config{
			Tenant:     "tenant-1",
			MaxRetries: 1,
			Backoff:    []time.Duration{time.Millisecond},
		}
		var err error
		pipeline, err = NewPipeline(store, records, extractor, snapshots, cfg, Callbacks{})
		Expect(err).NotTo(HaveOccurred())

		server = NewServerWithMux(pipeline, auth, http.NewServeMux())
		setupServer()
	})

	AfterEach(func() {
		pipeline.Close()
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("POST /api/cards", func() {
		When("a front image is uploaded", func() {
			It("should accept the capture and eventually complete it", func() {
				body, contentType := captureForm(map[string][]byte{"front": pngBytes(color.White)})
				resp, err := http.Post(ghttpServer.URL()+"/api/cards", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				var item WorkItem
				Expect(json.NewDecoder(resp.Body).Decode(&item)).To(Succeed())
				Expect(item.ID).NotTo(BeEmpty())
				Expect(item.Front.Preview).To(HavePrefix("data:image/png;base64,"))

				Eventually(func() Status {
					got := pipeline.Item(item.ID)
					if got == nil {
						return ""
					}
					return got.Status
				}).Should(Equal(StatusComplete))
			})
		})

		When("the front image is missing", func() {
			It("should reject the capture", func() {
				body, contentType := captureForm(map[string][]byte{"back": pngBytes(color.White)})
				setupServer()
				resp, err := http.Post(ghttpServer.URL()+"/api/cards", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var errResp map[string]string
				Expect(json.NewDecoder(resp.Body).Decode(&errResp)).To(Succeed())
				Expect(errResp["error"]).To(ContainSubstring("Front image is required"))
			})
		})

		When("the capture exceeds the size cap", func() {
			It("should reject it with a size message", func() {
				huge := bytes.Repeat([]byte{0}, int(maxUploadSize)+(1<<20))
				body, contentType := captureForm(map[string][]byte{"front": huge})
				setupServer()
				resp, err := http.Post(ghttpServer.URL()+"/api/cards", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var errResp map[string]string
				Expect(json.NewDecoder(resp.Body).Decode(&errResp)).To(Succeed())
				Expect(errResp["error"]).To(ContainSubstring("Maximum size is 50MB"))
			})
		})

		When("the payload is not a decodable image", func() {
			It("should reject the capture", func() {
				body, contentType := captureForm(map[string][]byte{"front": []byte("not an image")})
				setupServer()
				resp, err := http.Post(ghttpServer.URL()+"/api/cards", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GET /api/cards", func() {
		It("should list tracked items without raw bytes", func() {
			_, err := pipeline.Add(frontImage("card bytes"), nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(ghttpServer.URL() + "/api/cards")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var items []map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&items)).To(Succeed())
			Expect(items).To(HaveLen(1))
			front, ok := items[0]["front"].(map[string]any)
			Expect(ok).To(BeTrue())
			Expect(front).NotTo(HaveKey("Data"))
			Expect(front).NotTo(HaveKey("data"))
		})
	})

	Describe("GET /api/stats", func() {
		It("should return the aggregated counts", func() {
			id, err := pipeline.Add(frontImage("card bytes"), nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() Status { return pipeline.Item(id).Status }).Should(Equal(StatusComplete))

			resp, err := http.Get(ghttpServer.URL() + "/api/stats")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			var stats Stats
			Expect(json.NewDecoder(resp.Body).Decode(&stats)).To(Succeed())
			Expect(stats.Complete).To(Equal(1))
			Expect(stats.Total).To(Equal(1))
		})
	})

	Describe("GET /api/batch", func() {
		When("no batch is assigned yet", func() {
			It("should return not found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/batch")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		When("registration has assigned the batch", func() {
			It("should return the batch info", func() {
				id, err := pipeline.Add(frontImage("card bytes"), nil)
				Expect(err).NotTo(HaveOccurred())
				Eventually(func() Status { return pipeline.Item(id).Status }).Should(Equal(StatusComplete))

				setupServer()
				resp, err := http.Get(ghttpServer.URL() + "/api/batch")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var batch BatchInfo
				Expect(json.NewDecoder(resp.Body).Decode(&batch)).To(Succeed())
				Expect(batch.ID).To(Equal("batch-1"))
			})
		})
	})

	Describe("POST /api/cards/{id}/retry", func() {
		When("the item is not failed", func() {
			It("should return conflict", func() {
				id, err := pipeline.Add(frontImage("card bytes"), nil)
				Expect(err).NotTo(HaveOccurred())
				Eventually(func() Status { return pipeline.Item(id).Status }).Should(Equal(StatusComplete))

				setupServer()
				resp, err := http.Post(ghttpServer.URL()+"/api/cards/"+id+"/retry", "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})
	})

	Describe("DELETE /api/cards/{id}", func() {
		It("should remove a tracked item", func() {
			id, err := pipeline.Add(frontImage("card bytes"), nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() Status { return pipeline.Item(id).Status }).Should(Equal(StatusComplete))

			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/cards/"+id, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(pipeline.Item(id)).To(BeNil())
		})

		It("should return not found for an unknown item", func() {
			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/cards/nope", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("DELETE /api/cards", func() {
		It("should clear the whole sitting", func() {
			id, err := pipeline.Add(frontImage("card bytes"), nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() Status { return pipeline.Item(id).Status }).Should(Equal(StatusComplete))

			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/cards", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(pipeline.Items()).To(BeEmpty())
		})
	})

	Describe("session endpoints", func() {
		When("no interrupted session exists", func() {
			It("should report not resumable", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/session")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()

				var session sessionResponse
				Expect(json.NewDecoder(resp.Body).Decode(&session)).To(Succeed())
				Expect(session.Resumable).To(BeFalse())
			})

			It("should refuse a resume", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/session/resume", "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})

		When("an interrupted session exists", func() {
			BeforeEach(func() {
				snapshots.loaded = &Snapshot{
					Tenant:  "tenant-1",
					SavedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
					Items: []SnapshotItem{
						{ID: "item-a", Status: StatusUploading, FrontFileName: "a.jpg"},
					},
				}
				var err error
				pipeline, err = NewPipeline(store, records, extractor, snapshots, DefaultConfig("tenant-1"), Callbacks{})
				Expect(err).NotTo(HaveOccurred())
				server = NewServerWithMux(pipeline, auth, http.NewServeMux())
				setupServer()
			})

			It("should describe the interrupted session", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/session")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()

				var session sessionResponse
				Expect(json.NewDecoder(resp.Body).Decode(&session)).To(Succeed())
				Expect(session.Resumable).To(BeTrue())
				Expect(session.ItemCount).To(Equal(1))
			})

			It("should resume it into failed items", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/session/resume", "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				item := pipeline.Item("item-a")
				Expect(item).NotTo(BeNil())
				Expect(item.Status).To(Equal(StatusFailed))
				Expect(item.LastError).To(Equal(InterruptedMessage))
			})

			It("should discard it on request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/session/discard", "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
				Expect(pipeline.Resumable()).To(BeFalse())
			})
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "operator", Password: "secret"}
			server = NewServerWithMux(pipeline, auth, http.NewServeMux())
			setupServer()
		})

		When("credentials are missing", func() {
			It("should return unauthorized", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/cards")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})

		When("credentials are valid", func() {
			It("should serve the request", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/cards", nil)
				Expect(err).NotTo(HaveOccurred())
				req.SetBasicAuth("operator", "secret")
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})

		It("should leave the health endpoint open", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/health")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
