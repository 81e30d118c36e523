package receipt

import (
	"context"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("S3Storage", func() {
	var (
		server  *ghttp.Server
		storage *S3Storage
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		storage, err = NewS3Storage(context.Background(), S3Config{
			Bucket:    "palbudget",
			Region:    "us-east-1",
			Endpoint:  server.URL(),
			AccessKey: "access",
			SecretKey: "secret",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("NewS3Storage", func() {
		It("requires a bucket", func() {
			_, err := NewS3Storage(context.Background(), S3Config{})
			Expect(err).To(MatchError("s3 bucket is required"))
		})
	})

	Describe("Save", func() {
		var body []byte

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPut, "/palbudget/0b1c_receipt.jpg"),
				func(w http.ResponseWriter, r *http.Request) {
					Expect(r.Header.Get("Authorization")).To(ContainSubstring("AWS4-HMAC-SHA256"))
					var err error
					body, err = io.ReadAll(r.Body)
					Expect(err).NotTo(HaveOccurred())
				},
				ghttp.RespondWith(http.StatusOK, ""),
			))
		})

		It("uploads the object with path style addressing", func() {
			key, err := storage.Save("0b1c_receipt.jpg", []byte("receipt image bytes"))
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(Equal("0b1c_receipt.jpg"))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
			Expect(string(body)).To(ContainSubstring("receipt image bytes"))
		})
	})

	Describe("Get", func() {
		When("the object exists", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/palbudget/0b1c_receipt.jpg"),
					ghttp.RespondWith(http.StatusOK, "receipt image bytes"),
				))
			})

			It("returns the object bytes", func() {
				data, err := storage.Get("0b1c_receipt.jpg")
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("receipt image bytes"))
			})
		})

		When("the object does not exist", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound,
					`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`,
					http.Header{"Content-Type": []string{"application/xml"}},
				))
			})

			It("returns the error", func() {
				_, err := storage.Get("missing.jpg")
				Expect(err).To(MatchError(ContainSubstring("downloading object")))
			})
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodDelete, "/palbudget/0b1c_receipt.jpg"),
				ghttp.RespondWith(http.StatusNoContent, ""),
			))
		})

		It("removes the object", func() {
			Expect(storage.Delete("0b1c_receipt.jpg")).To(Succeed())
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})
})
