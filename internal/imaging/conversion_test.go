package imaging

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("JPEGName", func() {
	DescribeTable("rewriting names",
		func(in, want string) {
			Expect(JPEGName(in)).To(Equal(want))
		},
		Entry("lower case heic", "b.heic", "b.jpg"),
		Entry("upper case heic", "IMG_1234.HEIC", "IMG_1234.jpg"),
		Entry("mixed case heif", "scan.HeIf", "scan.jpg"),
		Entry("heic in the middle", "my.heic.receipt.png", "my.heic.receipt.png"),
		Entry("jpeg untouched", "a.jpg", "a.jpg"),
		Entry("no extension", "receipt", "receipt"),
	)
})

var _ = Describe("HEIC detection", func() {
	It("should detect the ftyp heic brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(IsHEICFormat(data)).To(BeTrue())
	})

	It("should detect the mif1 brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypmif10000")...)
		Expect(IsHEICFormat(data)).To(BeTrue())
	})

	It("should reject short data", func() {
		Expect(IsHEICFormat([]byte("ftyp"))).To(BeFalse())
	})

	It("should reject JPEG data", func() {
		Expect(IsHEICFormat([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F', 0, 1})).To(BeFalse())
	})

	It("should detect by MIME type", func() {
		Expect(IsHEICMimeType(" Image/HEIC ")).To(BeTrue())
		Expect(IsHEICMimeType("image/heif-sequence")).To(BeTrue())
		Expect(IsHEICMimeType("image/jpeg")).To(BeFalse())
	})

	It("should detect by any signal", func() {
		Expect(IsHEIC(File{Name: "photo.HEIC"})).To(BeTrue())
		Expect(IsHEIC(File{Name: "photo", ContentType: "image/heic"})).To(BeTrue())
		Expect(IsHEIC(File{Name: "photo.jpg", ContentType: "image/jpeg", Data: []byte("jpeg")})).To(BeFalse())
	})
})
