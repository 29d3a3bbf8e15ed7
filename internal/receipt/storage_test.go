package receipt

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// pngHeader is enough of a PNG for content sniffing
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

var _ = Describe("DirPreviews", func() {
	var (
		tmpDir   string
		previews *DirPreviews
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		previews, err = NewDirPreviews(filepath.Join(tmpDir, "previews"))
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Allocate", func() {
		var (
			ref string
			err error
		)

		JustBeforeEach(func() {
			ref, err = previews.Allocate(pngHeader, "image/png")
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should name the file after the content type", func() {
			Expect(filepath.Ext(ref)).To(Equal(".png"))
		})

		It("should save the file to disk", func() {
			Expect(filepath.Join(tmpDir, "previews", ref)).To(BeAnExistingFile())
		})
	})

	Describe("Get", func() {
		When("file exists", func() {
			It("should return the data and sniffed type", func() {
				ref, err := previews.Allocate(pngHeader, "image/png")
				Expect(err).NotTo(HaveOccurred())

				data, contentType, err := previews.Get(ref)
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal(pngHeader))
				Expect(contentType).To(Equal("image/png"))
			})
		})

		When("file does not exist", func() {
			It("returns the error", func() {
				_, _, err := previews.Get("missing.png")
				Expect(errors.Is(err, ErrPreviewNotFound)).To(BeTrue())
			})
		})

		When("the reference tries to leave the directory", func() {
			It("should stay inside it", func() {
				outside := filepath.Join(tmpDir, "secret.txt")
				Expect(os.WriteFile(outside, []byte("secret"), 0644)).To(Succeed())

				_, _, err := previews.Get("../secret.txt")
				Expect(errors.Is(err, ErrPreviewNotFound)).To(BeTrue())
			})
		})
	})

	Describe("Release", func() {
		var ref string

		BeforeEach(func() {
			var err error
			ref, err = previews.Allocate([]byte("data"), "image/jpeg")
			Expect(err).NotTo(HaveOccurred())
		})

		When("file exists", func() {
			It("should remove the file from disk", func() {
				Expect(previews.Release(ref)).To(Succeed())
				Expect(filepath.Join(tmpDir, "previews", ref)).NotTo(BeAnExistingFile())
			})
		})

		When("released twice", func() {
			It("returns the error", func() {
				Expect(previews.Release(ref)).To(Succeed())
				Expect(errors.Is(previews.Release(ref), ErrPreviewNotFound)).To(BeTrue())
			})
		})
	})
})
