package gateway

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Uploader", func() {
	var (
		storage  *ghttp.Server
		uploader *Uploader
		grant    *Grant
		files    []UploadFile
		outcomes []UploadOutcome
	)

	BeforeEach(func() {
		storage = ghttp.NewServer()
		storage.SetAllowUnhandledRequests(true)
		storage.SetUnhandledRequestStatusCode(http.StatusForbidden)
		uploader = NewUploader(nil)

		files = []UploadFile{
			{ID: "id-a", Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("aaaa")},
			{ID: "id-b", Name: "b.pdf", ContentType: "application/pdf", Data: []byte("%PDF-bbbb")},
		}
		grant = &Grant{
			ConnectionID: "conn-1",
			FileURLs: map[string]string{
				"a.jpg": storage.URL() + "/uploads/a",
				"b.pdf": storage.URL() + "/uploads/b",
			},
		}
	})

	AfterEach(func() {
		storage.Close()
	})

	JustBeforeEach(func() {
		outcomes = uploader.UploadAll(context.Background(), grant, files)
	})

	When("every upload succeeds", func() {
		BeforeEach(func() {
			storage.RouteToHandler("PUT", "/uploads/a", ghttp.CombineHandlers(
				ghttp.VerifyHeaderKV("Content-Type", "image/jpeg"),
				ghttp.VerifyHeaderKV(HeaderConnectionID, "conn-1"),
				ghttp.VerifyHeaderKV(HeaderFileID, "id-a"),
				ghttp.VerifyBody([]byte("aaaa")),
				ghttp.RespondWith(http.StatusOK, nil),
			))
			storage.RouteToHandler("PUT", "/uploads/b", ghttp.CombineHandlers(
				ghttp.VerifyHeaderKV("Content-Type", "application/pdf"),
				ghttp.VerifyHeaderKV(HeaderConnectionID, "conn-1"),
				ghttp.VerifyHeaderKV(HeaderFileID, "id-b"),
				ghttp.RespondWith(http.StatusOK, nil),
			))
		})

		It("should upload both files", func() {
			Expect(storage.ReceivedRequests()).To(HaveLen(2))
		})

		It("should record successful outcomes in input order", func() {
			Expect(outcomes).To(HaveLen(2))
			Expect(outcomes[0].FileID).To(Equal("id-a"))
			Expect(outcomes[0].Err).NotTo(HaveOccurred())
			Expect(outcomes[0].StatusCode).To(Equal(http.StatusOK))
			Expect(outcomes[1].FileID).To(Equal("id-b"))
			Expect(outcomes[1].Err).NotTo(HaveOccurred())
			Expect(Failed(outcomes)).To(BeEmpty())
		})
	})

	When("one upload is rejected", func() {
		BeforeEach(func() {
			storage.RouteToHandler("PUT", "/uploads/a", ghttp.RespondWith(http.StatusForbidden, "SignatureDoesNotMatch"))
			storage.RouteToHandler("PUT", "/uploads/b", ghttp.RespondWith(http.StatusOK, nil))
		})

		It("should still upload the sibling", func() {
			Expect(storage.ReceivedRequests()).To(HaveLen(2))
			Expect(outcomes[1].Err).NotTo(HaveOccurred())
		})

		It("should record the failure", func() {
			failed := Failed(outcomes)
			Expect(failed).To(HaveLen(1))
			Expect(failed[0].FileID).To(Equal("id-a"))
			Expect(failed[0].StatusCode).To(Equal(http.StatusForbidden))
			Expect(failed[0].Err.Error()).To(ContainSubstring("SignatureDoesNotMatch"))
		})
	})

	When("a file has no granted url", func() {
		BeforeEach(func() {
			delete(grant.FileURLs, "b.pdf")
			storage.RouteToHandler("PUT", "/uploads/a", ghttp.RespondWith(http.StatusOK, nil))
		})

		It("should upload the granted file only", func() {
			Expect(storage.ReceivedRequests()).To(HaveLen(1))
		})

		It("should fail the ungranted file", func() {
			Expect(outcomes[1].Err).To(MatchError(ContainSubstring("no upload URL granted for b.pdf")))
		})
	})

	When("object storage is unreachable", func() {
		BeforeEach(func() {
			grant.FileURLs["a.jpg"] = "http://127.0.0.1:1/uploads/a"
			storage.RouteToHandler("PUT", "/uploads/b", ghttp.RespondWith(http.StatusOK, nil))
		})

		It("should fail only that file", func() {
			Expect(outcomes[0].Err).To(HaveOccurred())
			Expect(outcomes[1].Err).NotTo(HaveOccurred())
		})
	})
})
